package sla

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// ErrInvalidConfig is returned when a patch would leave a threshold unset
var ErrInvalidConfig = errors.New("invalid sla config")

// ConfigPatch carries a partial update. Nil fields are left unchanged.
type ConfigPatch struct {
	ResponseTime        *Duration `json:"responseTime,omitempty"`
	ResolutionTime      *Duration `json:"resolutionTime,omitempty"`
	EscalationTime      *Duration `json:"escalationTime,omitempty"`
	AutoResponse        *bool     `json:"autoResponse,omitempty"`
	AutoResponseMessage *string   `json:"autoResponseMessage,omitempty"`
}

// ConfigStore holds the process-wide SLA configuration. Readers get a copy,
// so a watchdog tick works against one consistent version.
type ConfigStore struct {
	mu     sync.RWMutex
	cfg    types.SLAConfig
	logger zerolog.Logger
}

// NewConfigStore creates a store seeded with cfg
func NewConfigStore(cfg types.SLAConfig, logger zerolog.Logger) (*ConfigStore, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &ConfigStore{cfg: cfg, logger: logger}, nil
}

// Get returns the current configuration
func (s *ConfigStore) Get() types.SLAConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update applies a patch atomically and returns the resulting configuration
func (s *ConfigStore) Update(p ConfigPatch) (types.SLAConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	if p.ResponseTime != nil {
		next.ResponseTime = p.ResponseTime.Duration
	}
	if p.ResolutionTime != nil {
		next.ResolutionTime = p.ResolutionTime.Duration
	}
	if p.EscalationTime != nil {
		next.EscalationTime = p.EscalationTime.Duration
	}
	if p.AutoResponse != nil {
		next.AutoResponse = *p.AutoResponse
	}
	if p.AutoResponseMessage != nil {
		next.AutoResponseMessage = *p.AutoResponseMessage
	}

	if err := validate(next); err != nil {
		return s.cfg, err
	}
	s.cfg = next

	s.logger.Info().
		Dur("response_time", next.ResponseTime).
		Dur("resolution_time", next.ResolutionTime).
		Dur("escalation_time", next.EscalationTime).
		Bool("auto_response", next.AutoResponse).
		Msg("sla config updated")

	return next, nil
}

func validate(cfg types.SLAConfig) error {
	if cfg.ResponseTime <= 0 {
		return fmt.Errorf("%w: response time must be positive", ErrInvalidConfig)
	}
	if cfg.ResolutionTime <= 0 {
		return fmt.Errorf("%w: resolution time must be positive", ErrInvalidConfig)
	}
	if cfg.EscalationTime <= 0 {
		return fmt.Errorf("%w: escalation time must be positive", ErrInvalidConfig)
	}
	if cfg.AutoResponse && cfg.AutoResponseMessage == "" {
		return fmt.Errorf("%w: auto response needs a message", ErrInvalidConfig)
	}
	return nil
}
