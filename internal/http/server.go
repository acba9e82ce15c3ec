package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/fleet"
	"github.com/example/ride-lifecycle/internal/infra"
	"github.com/example/ride-lifecycle/internal/kvcache"
	"github.com/example/ride-lifecycle/internal/location"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/places"
	"github.com/example/ride-lifecycle/internal/ride"
	"github.com/example/ride-lifecycle/internal/storage"
)

// Deps are the collaborators the API is built on. Places, Payments and
// Archive are optional; their routes answer 503 when unset.
type Deps struct {
	Manager   *ride.Manager
	Quoter    *fleet.Quoter
	Registry  *fleet.Registry
	Cache     kvcache.Cache
	Locations *location.PushProvider
	Notifier  *dispatch.Notifier
	WS        *dispatch.WSRegistry
	Places    places.Searcher
	Payments  *payments.Settlement
	Archive   storage.TripStore
	Verifier  infra.TokenVerifier
	Logger    *slog.Logger
}

type Server struct {
	deps     Deps
	verifier infra.TokenVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Verifier == nil {
		d.Verifier = infra.StaticVerifier{}
	}
	s := &Server{
		deps:     d,
		verifier: d.Verifier,
		logger:   d.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/internal/driver/locations", s.authMiddleware(http.HandlerFunc(s.handleDriverLocation))).Methods(http.MethodPost)
	s.mux.Handle("/ws/{user_id}", s.authMiddleware(http.HandlerFunc(s.handleWS)))

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/users", s.handleRegisterUser).Methods(http.MethodPost)
	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/places", s.handlePlaces).Methods(http.MethodGet)

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleRiderTrips).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment", s.handleAuthorizePayment).Methods(http.MethodPost)

	drivers := api.PathPrefix("/drivers/{id}").Subrouter()
	drivers.Use(s.selfOnly)
	drivers.HandleFunc("/register", s.handleRegisterDriver).Methods(http.MethodPost)
	drivers.HandleFunc("/online", s.handleGoOnline).Methods(http.MethodPost)
	drivers.HandleFunc("/offline", s.handleGoOffline).Methods(http.MethodPost)
	drivers.HandleFunc("/offer", s.handleCurrentOffer).Methods(http.MethodGet)
	drivers.HandleFunc("/accept", s.handleAccept).Methods(http.MethodPost)
	drivers.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	drivers.HandleFunc("/cancel", s.handleDriverCancel).Methods(http.MethodPost)
	drivers.HandleFunc("/rides", s.handleDriverRides).Methods(http.MethodGet)
	drivers.HandleFunc("/rides/{riderId}/complete", s.handleComplete).Methods(http.MethodPost)
	drivers.HandleFunc("/earnings", s.handleEarnings).Methods(http.MethodGet)
}

// selfOnly rejects driver routes called for another driver's id.
func (s *Server) selfOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] != callerFromContext(r.Context()) {
			writeJSONError(w, http.StatusForbidden, "drivers may only act for themselves")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
