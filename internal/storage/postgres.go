package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// PostgresStore implements Store on a PostgreSQL connection pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects to connString and ensures the schema exists
func NewPostgresStore(ctx context.Context, connString string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info().Msg("Postgres store initialized")
	return s, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		channel TEXT NOT NULL,
		external_id TEXT NOT NULL,
		contact TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (channel, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_message_at TIMESTAMPTZ NOT NULL,
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		priority BIGINT NOT NULL DEFAULT 0,
		subject TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		direction TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_activity TIMESTAMPTZ NOT NULL,
		max_capacity INTEGER NOT NULL DEFAULT 0,
		rating DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		recipient_id TEXT NOT NULL DEFAULT '',
		recipient_role TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created ON notifications(recipient_id, created_at)`,
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ResolvePatient(ctx context.Context, p types.Patient) (*types.Patient, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO patients (id, name, channel, external_id, contact, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel, external_id) DO NOTHING
	`, p.ID, p.Name, string(p.Channel), p.ExternalID, p.Contact, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}

	var stored types.Patient
	var channel string
	err = s.pool.QueryRow(ctx, `
		SELECT id, name, channel, external_id, contact, created_at
		FROM patients WHERE channel = $1 AND external_id = $2
	`, string(p.Channel), p.ExternalID).Scan(&stored.ID, &stored.Name, &channel, &stored.ExternalID, &stored.Contact, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("read patient: %w", err)
	}
	stored.Channel = types.ChannelType(channel)
	return &stored, nil
}

func scanPgConversation(row pgx.Row) (*types.Conversation, error) {
	var c types.Conversation
	var channel, status string
	var priority int64
	if err := row.Scan(&c.ID, &c.PatientID, &channel, &status, &c.CreatedAt, &c.LastMessageAt, &c.AssignedAgentID, &priority, &c.Subject); err != nil {
		return nil, err
	}
	c.Channel = types.ChannelType(channel)
	c.Status = types.ConversationStatus(status)
	c.Priority = int(priority)
	return &c, nil
}

func (s *PostgresStore) FindOpenConversation(ctx context.Context, patientID string, channel types.ChannelType) (*types.Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE patient_id = $1 AND channel = $2 AND status IN ('active', 'pending')
		ORDER BY created_at DESC LIMIT 1
	`, patientID, string(channel)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, conv.ID, conv.PatientID, string(conv.Channel), string(conv.Status), conv.CreatedAt,
		conv.LastMessageAt, conv.AssignedAgentID, int64(conv.Priority), conv.Subject)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) ListActiveConversations(ctx context.Context) ([]types.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'active' ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	defer rows.Close()

	result := make([]types.Conversation, 0)
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, *conv)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET last_message_at = GREATEST(last_message_at, $1) WHERE id = $2
		`, msg.CreatedAt, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("bump last message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, direction, author, content, external_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, msg.ID, msg.ConversationID, string(msg.Direction), msg.Author, msg.Content, msg.ExternalID, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, direction, author, content, external_id, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at
	`, conversationID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]types.Message, 0)
	for rows.Next() {
		var m types.Message
		var direction string
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &m.Author, &m.Content, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = types.MessageDirection(direction)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AssignConversation(ctx context.Context, id, agentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET assigned_agent_id = $1, status = 'active'
		WHERE id = $2 AND status IN ('active', 'pending')
			AND (assigned_agent_id = '' OR assigned_agent_id = $1)
	`, agentID, id)
	if err != nil {
		return fmt.Errorf("assign conversation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("assign %s to %s: %w", id, agentID, ErrConflict)
}

func (s *PostgresStore) UnassignConversation(ctx context.Context, id string) error {
	return s.updateConversation(ctx, `UPDATE conversations SET assigned_agent_id = '' WHERE id = $1`, id)
}

func (s *PostgresStore) UpdateConversationPriority(ctx context.Context, id string, priority int) error {
	return s.updateConversation(ctx, `UPDATE conversations SET priority = $2 WHERE id = $1`, id, int64(priority))
}

func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, id string, status types.ConversationStatus) error {
	return s.updateConversation(ctx, `UPDATE conversations SET status = $2 WHERE id = $1`, id, string(status))
}

func (s *PostgresStore) updateConversation(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, p types.AgentProfile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, role, is_online, last_activity, max_capacity, rating)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			is_online = EXCLUDED.is_online,
			last_activity = EXCLUDED.last_activity,
			max_capacity = EXCLUDED.max_capacity,
			rating = EXCLUDED.rating
	`, p.ID, p.Name, string(p.Role), p.IsOnline, p.LastActivity, p.MaxCapacity, p.Rating)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]types.AgentProfile, error) {
	return s.queryAgents(ctx, `SELECT id, name, role, is_online, last_activity, max_capacity, rating FROM agents ORDER BY id`)
}

func (s *PostgresStore) ListManagers(ctx context.Context) ([]types.AgentProfile, error) {
	return s.queryAgents(ctx, `
		SELECT id, name, role, is_online, last_activity, max_capacity, rating FROM agents
		WHERE role IN ('manager', 'admin') ORDER BY id
	`)
}

func (s *PostgresStore) queryAgents(ctx context.Context, query string) ([]types.AgentProfile, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]types.AgentProfile, 0)
	for rows.Next() {
		var a types.AgentProfile
		var role string
		if err := rows.Scan(&a.ID, &a.Name, &role, &a.IsOnline, &a.LastActivity, &a.MaxCapacity, &a.Rating); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Role = types.AgentRole(role)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveNotification(ctx context.Context, n types.Notification) error {
	meta := n.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, kind, severity, title, body, recipient_id, recipient_role, metadata, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, string(n.Kind), string(n.Severity), n.Title, n.Body, n.RecipientID, string(n.RecipientRole), meta, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]types.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, severity, title, body, recipient_id, recipient_role, metadata, is_read, created_at
		FROM notifications WHERE recipient_id = $1
		ORDER BY created_at DESC, seq DESC LIMIT $2
	`, recipientID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	result := make([]types.Notification, 0)
	for rows.Next() {
		var n types.Notification
		var kind, severity, role string
		if err := rows.Scan(&n.ID, &kind, &severity, &n.Title, &n.Body, &n.RecipientID, &role, &n.Metadata, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = types.NotificationKind(kind)
		n.Severity = types.Severity(severity)
		n.RecipientRole = types.AgentRole(role)
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
