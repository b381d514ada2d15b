package simulator

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

const maxInject = 1000

// ControlAPI exposes a small HTTP interface to steer a running simulation
type ControlAPI struct {
	fleet   *Fleet
	traffic *TrafficGenerator
	started time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	logger zerolog.Logger
}

// NewControlAPI creates a new control API
func NewControlAPI(fleet *Fleet, traffic *TrafficGenerator, logger zerolog.Logger) *ControlAPI {
	return &ControlAPI{
		fleet:   fleet,
		traffic: traffic,
		started: time.Now(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
	}
}

// SetupRoutes configures HTTP routes
func (api *ControlAPI) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.HandleFunc("/stats", api.statsHandler).Methods("GET")
	router.HandleFunc("/traffic", api.trafficHandler).Methods("GET", "PUT")
	router.HandleFunc("/traffic/inject", api.injectHandler).Methods("POST")
}

func (api *ControlAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (api *ControlAPI) statsHandler(w http.ResponseWriter, r *http.Request) {
	consoles, connected := api.fleet.Summary()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":     int(time.Since(api.started).Seconds()),
		"consoles_total":     len(api.fleet.Consoles()),
		"consoles_connected": connected,
		"consoles":           consoles,
		"traffic":            api.traffic.Stats(),
	})
}

type trafficUpdate struct {
	Factor     *float64           `json:"factor,omitempty"`
	ReturnRate *float64           `json:"returnRate,omitempty"`
	Channels   map[string]float64 `json:"channels,omitempty"`
}

func (api *ControlAPI) trafficHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var req trafficUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		for name := range req.Channels {
			if !types.ChannelType(name).Valid() {
				http.Error(w, "unknown channel "+name, http.StatusBadRequest)
				return
			}
		}
		if req.Factor != nil {
			api.traffic.SetFactor(*req.Factor)
		}
		if req.ReturnRate != nil {
			api.traffic.SetReturnRate(*req.ReturnRate)
		}
		for name, perMin := range req.Channels {
			api.traffic.SetRate(types.ChannelType(name), ChannelRate{MessagesPerMin: perMin})
		}
		api.logger.Info().Interface("update", req).Msg("traffic config updated")
	}

	rates, factor := api.traffic.Rates()
	channels := make(map[string]float64, len(rates))
	for ch, rate := range rates {
		channels[string(ch)] = rate.MessagesPerMin
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"factor":   factor,
		"channels": channels,
	})
}

func (api *ControlAPI) injectHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count   int    `json:"count"`
		Channel string `json:"channel,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxInject {
		req.Count = maxInject
	}
	if req.Channel != "" && !types.ChannelType(req.Channel).Valid() {
		http.Error(w, "unknown channel "+req.Channel, http.StatusBadRequest)
		return
	}

	api.rngMu.Lock()
	defer api.rngMu.Unlock()

	injected, failed := 0, 0
	for i := 0; i < req.Count; i++ {
		channel := types.ChannelType(req.Channel)
		if channel == "" {
			channel = types.AllChannels[api.rng.Intn(len(types.AllChannels))]
		}
		if err := api.traffic.SendOne(r.Context(), channel, api.rng); err != nil {
			failed++
			continue
		}
		injected++
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"injected": injected,
		"failed":   failed,
	})
}

// Start serves the control API until ctx is done
func (api *ControlAPI) Start(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	api.SetupRoutes(router)

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		api.logger.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	api.logger.Info().Str("addr", addr).Msg("control API started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
