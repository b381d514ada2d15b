package event

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/channel"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds a single webhook payload
const maxBodyBytes = 1 << 20

// Inbox accepts normalized inbound messages
type Inbox interface {
	Receive(msg types.InboundMessage) error
	Stats() channel.Stats
}

// Receiver handles inbound messages POSTed by channel transports
type Receiver struct {
	inbox  Inbox
	logger zerolog.Logger

	received     int64
	rejected     int64
	lastReceived time.Time
	mu           sync.RWMutex
}

// NewReceiver creates a new receiver
func NewReceiver(inbox Inbox, logger zerolog.Logger) *Receiver {
	return &Receiver{
		inbox:  inbox,
		logger: logger.With().Str("component", "inbound-receiver").Logger(),
	}
}

// HandleInbound handles POST /internal/inbound
func (r *Receiver) HandleInbound(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg types.InboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&msg); err != nil {
		r.reject(w, http.StatusBadRequest, "invalid message", err)
		return
	}
	if err := msg.Validate(); err != nil {
		r.reject(w, http.StatusBadRequest, err.Error(), err)
		return
	}

	if err := r.inbox.Receive(msg); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, channel.ErrChannelNotFound):
			status = http.StatusNotFound
		case errors.Is(err, channel.ErrChannelInactive):
			status = http.StatusServiceUnavailable
		}
		r.reject(w, status, err.Error(), err)
		return
	}

	count := atomic.AddInt64(&r.received, 1)
	r.mu.Lock()
	r.lastReceived = time.Now()
	r.mu.Unlock()

	if count%1000 == 0 {
		r.logger.Info().
			Int64("total_received", count).
			Int("buffered", r.inbox.Stats().Buffered).
			Msg("inbound messages received")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (r *Receiver) reject(w http.ResponseWriter, status int, message string, err error) {
	atomic.AddInt64(&r.rejected, 1)
	r.logger.Warn().Err(err).Int("status", status).Msg("inbound message rejected")
	http.Error(w, message, status)
}

// GetStats handles GET /internal/inbound/stats
func (r *Receiver) GetStats(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	lastReceived := r.lastReceived
	r.mu.RUnlock()

	ingest := r.inbox.Stats()
	stats := map[string]interface{}{
		"received":      atomic.LoadInt64(&r.received),
		"rejected":      atomic.LoadInt64(&r.rejected),
		"last_received": lastReceived,
		"buffered":      ingest.Buffered,
		"processed":     ingest.Processed,
		"dropped":       ingest.Dropped,
		"draining":      ingest.Draining,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
