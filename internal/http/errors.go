package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/example/ride-lifecycle/internal/docstore"
	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/fleet"
	"github.com/example/ride-lifecycle/internal/history"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/places"
	"github.com/example/ride-lifecycle/internal/ride"
	"github.com/example/ride-lifecycle/internal/routing"
	"github.com/example/ride-lifecycle/internal/storage"
)

var (
	errBadBody     = errors.New("malformed request body")
	errUnavailable = errors.New("feature not configured")
)

type errorBody struct {
	Error   string   `json:"error"`
	Missing []string `json:"missingDocuments,omitempty"`
	Failed  []string `json:"failedDrivers,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *fleet.VerificationRequiredError
		fanErr *ride.FanoutError
	)
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusForbidden
		body.Missing = verr.Missing
	case errors.As(err, &fanErr):
		status = http.StatusBadGateway
		body.Failed = failedIDs(fanErr)
	case errors.Is(err, errBadBody), errors.Is(err, ride.ErrInvalidInput), errors.Is(err, fleet.ErrValidation),
		errors.Is(err, places.ErrValidation), errors.Is(err, fare.ErrInvalidInput), errors.Is(err, fare.ErrUnknownCategory),
		errors.Is(err, payments.ErrInvalidHold):
		status = http.StatusBadRequest
	case errors.Is(err, ride.ErrNoOffer), errors.Is(err, history.ErrEntryNotFound), errors.Is(err, fleet.ErrDriverNotRegistered),
		errors.Is(err, storage.ErrNotFound), errors.Is(err, docstore.ErrNotFound), errors.Is(err, payments.ErrNoHold):
		status = http.StatusNotFound
	case errors.Is(err, ride.ErrRideTaken), errors.Is(err, ride.ErrInvalidState), errors.Is(err, ride.ErrNoCandidates),
		errors.Is(err, ride.ErrFareUnknown), errors.Is(err, ride.ErrDriverBusy), errors.Is(err, history.ErrInvalidState),
		errors.Is(err, payments.ErrRideEnded):
		status = http.StatusConflict
	case errors.Is(err, ride.ErrConcurrentMod), errors.Is(err, docstore.ErrPreconditionFailed), errors.Is(err, history.ErrConflict):
		status = http.StatusPreconditionFailed
	case errors.Is(err, routing.ErrNoRoute):
		status = http.StatusBadGateway
	case errors.Is(err, errUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, body)
}

func failedIDs(e *ride.FanoutError) []string {
	out := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
