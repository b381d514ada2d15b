package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/oclonee/omnichanel-clinic/internal/callqueue"
	"github.com/oclonee/omnichanel-clinic/internal/channel"
	"github.com/oclonee/omnichanel-clinic/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, channel.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, callqueue.ErrNotAssigned),
		errors.Is(err, callqueue.ErrAlreadyAssigned),
		errors.Is(err, callqueue.ErrAssignmentConflict):
		return http.StatusConflict
	case errors.Is(err, channel.ErrChannelInactive):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryLimit reads ?limit=, returning 0 when absent or invalid
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
