package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens the database at path, creating parent directories and
// the schema when needed
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer; pragmas below then apply to the only connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			channel TEXT NOT NULL,
			external_id TEXT NOT NULL,
			contact TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_patients_channel_external
			ON patients(channel, external_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_message_at INTEGER NOT NULL DEFAULT 0,
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			subject TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (patient_id) REFERENCES patients(id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status);

		CREATE INDEX IF NOT EXISTS idx_conversations_patient_channel
			ON conversations(patient_id, channel);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_activity INTEGER NOT NULL DEFAULT 0,
			max_capacity INTEGER NOT NULL DEFAULT 0,
			rating REAL NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			recipient_id TEXT NOT NULL DEFAULT '',
			recipient_role TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
			ON notifications(recipient_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored as unix nanoseconds; zero maps to the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLiteStore) ResolvePatient(ctx context.Context, p types.Patient) (*types.Patient, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, channel, external_id, contact, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel, external_id) DO NOTHING
	`, p.ID, p.Name, string(p.Channel), p.ExternalID, p.Contact, toNanos(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting patient: %w", err)
	}

	var stored types.Patient
	var channel string
	var created int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, name, channel, external_id, contact, created_at
		FROM patients WHERE channel = ? AND external_id = ?
	`, string(p.Channel), p.ExternalID).Scan(&stored.ID, &stored.Name, &channel, &stored.ExternalID, &stored.Contact, &created)
	if err != nil {
		return nil, fmt.Errorf("reading patient: %w", err)
	}
	stored.Channel = types.ChannelType(channel)
	stored.CreatedAt = fromNanos(created)
	return &stored, nil
}

const conversationColumns = `id, patient_id, channel, status, created_at, last_message_at, assigned_agent_id, priority, subject`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var c types.Conversation
	var channel, status string
	var created, last int64
	if err := row.Scan(&c.ID, &c.PatientID, &channel, &status, &created, &last, &c.AssignedAgentID, &c.Priority, &c.Subject); err != nil {
		return nil, err
	}
	c.Channel = types.ChannelType(channel)
	c.Status = types.ConversationStatus(status)
	c.CreatedAt = fromNanos(created)
	c.LastMessageAt = fromNanos(last)
	return &c, nil
}

func (s *SQLiteStore) FindOpenConversation(ctx context.Context, patientID string, channel types.ChannelType) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE patient_id = ? AND channel = ? AND status IN ('active', 'pending')
		ORDER BY created_at DESC LIMIT 1
	`, patientID, string(channel))

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding open conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.PatientID, string(conv.Channel), string(conv.Status), toNanos(conv.CreatedAt),
		toNanos(conv.LastMessageAt), conv.AssignedAgentID, conv.Priority, conv.Subject)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'active' ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing active conversations: %w", err)
	}
	defer rows.Close()

	result := make([]types.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		result = append(result, *conv)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = MAX(last_message_at, ?) WHERE id = ?
	`, toNanos(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("bumping last message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, direction, author, content, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Direction), msg.Author, msg.Content, msg.ExternalID, toNanos(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns the newest messages of a conversation in
// chronological order
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, direction, author, content, external_id, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at
	`, conversationID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	result := make([]types.Message, 0)
	for rows.Next() {
		var m types.Message
		var direction string
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &m.Author, &m.Content, &m.ExternalID, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Direction = types.MessageDirection(direction)
		m.CreatedAt = fromNanos(created)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) AssignConversation(ctx context.Context, id, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET assigned_agent_id = ?, status = 'active'
		WHERE id = ? AND status IN ('active', 'pending')
			AND (assigned_agent_id = '' OR assigned_agent_id = ?)
	`, agentID, id, agentID)
	if err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("assign %s to %s: %w", id, agentID, ErrConflict)
}

func (s *SQLiteStore) UnassignConversation(ctx context.Context, id string) error {
	return s.updateConversation(ctx, `UPDATE conversations SET assigned_agent_id = '' WHERE id = ?`, id)
}

func (s *SQLiteStore) UpdateConversationPriority(ctx context.Context, id string, priority int) error {
	return s.updateConversation(ctx, `UPDATE conversations SET priority = ? WHERE id = ?`, priority, id)
}

func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id string, status types.ConversationStatus) error {
	return s.updateConversation(ctx, `UPDATE conversations SET status = ? WHERE id = ?`, string(status), id)
}

func (s *SQLiteStore) updateConversation(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertAgent(ctx context.Context, p types.AgentProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, is_online, last_activity, max_capacity, rating)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			is_online = excluded.is_online,
			last_activity = excluded.last_activity,
			max_capacity = excluded.max_capacity,
			rating = excluded.rating
	`, p.ID, p.Name, string(p.Role), p.IsOnline, toNanos(p.LastActivity), p.MaxCapacity, p.Rating)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]types.AgentProfile, error) {
	return s.queryAgents(ctx, `SELECT id, name, role, is_online, last_activity, max_capacity, rating FROM agents ORDER BY id`)
}

func (s *SQLiteStore) ListManagers(ctx context.Context) ([]types.AgentProfile, error) {
	return s.queryAgents(ctx, `
		SELECT id, name, role, is_online, last_activity, max_capacity, rating FROM agents
		WHERE role IN ('manager', 'admin') ORDER BY id
	`)
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string) ([]types.AgentProfile, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	result := make([]types.AgentProfile, 0)
	for rows.Next() {
		var a types.AgentProfile
		var role string
		var last int64
		if err := rows.Scan(&a.ID, &a.Name, &role, &a.IsOnline, &last, &a.MaxCapacity, &a.Rating); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Role = types.AgentRole(role)
		a.LastActivity = fromNanos(last)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) SaveNotification(ctx context.Context, n types.Notification) error {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, kind, severity, title, body, recipient_id, recipient_role, metadata, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, n.ID, string(n.Kind), string(n.Severity), n.Title, n.Body, n.RecipientID, string(n.RecipientRole),
		string(meta), n.IsRead, toNanos(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]types.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, severity, title, body, recipient_id, recipient_role, metadata, is_read, created_at
		FROM notifications WHERE recipient_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, recipientID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	result := make([]types.Notification, 0)
	for rows.Next() {
		var n types.Notification
		var kind, severity, role, meta string
		var created int64
		if err := rows.Scan(&n.ID, &kind, &severity, &n.Title, &n.Body, &n.RecipientID, &role, &meta, &n.IsRead, &created); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Kind = types.NotificationKind(kind)
		n.Severity = types.Severity(severity)
		n.RecipientRole = types.AgentRole(role)
		n.CreatedAt = fromNanos(created)
		if err := json.Unmarshal([]byte(meta), &n.Metadata); err != nil {
			s.logger.Warn().Err(err).Str("notification_id", n.ID).Msg("discarding malformed metadata")
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient_id = ?`, id, recipientID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
