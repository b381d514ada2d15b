package sla

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// configView is the JSON shape of the SLA configuration
type configView struct {
	ResponseTime        Duration `json:"responseTime"`
	ResolutionTime      Duration `json:"resolutionTime"`
	EscalationTime      Duration `json:"escalationTime"`
	AutoResponse        bool     `json:"autoResponse"`
	AutoResponseMessage string   `json:"autoResponseMessage"`
}

func toView(cfg types.SLAConfig) configView {
	return configView{
		ResponseTime:        Duration{cfg.ResponseTime},
		ResolutionTime:      Duration{cfg.ResolutionTime},
		EscalationTime:      Duration{cfg.EscalationTime},
		AutoResponse:        cfg.AutoResponse,
		AutoResponseMessage: cfg.AutoResponseMessage,
	}
}

// Handler serves the SLA configuration endpoints
type Handler struct {
	store  *ConfigStore
	logger zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(store *ConfigStore, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// HandleGet handles GET /api/sla/config
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toView(h.store.Get()))
}

// HandleUpdate handles PUT /api/sla/config
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	cfg, err := h.store.Update(patch)
	if err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Msg("failed to update sla config")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toView(cfg))
}
