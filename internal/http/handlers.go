package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-lifecycle/internal/kvcache"
	"github.com/example/ride-lifecycle/internal/location"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/ride"
	"github.com/example/ride-lifecycle/internal/storage"
)

// decode reads a JSON body. An empty body leaves v untouched when optional.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var u models.UserProfile
	if err := decode(r, &u, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	u.UID = callerFromContext(r.Context())
	if err := s.deps.Registry.RegisterUser(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

type quoteBody struct {
	Pickup      models.Coord `json:"pickup"`
	Destination models.Coord `json:"destination"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var b quoteBody
	if err := decode(r, &b, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !b.Pickup.Valid() || !b.Destination.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: coordinates out of range", ride.ErrInvalidInput))
		return
	}
	s.rememberLocation(r.Context(), callerFromContext(r.Context()), b.Pickup)
	q, err := s.deps.Quoter.Quote(r.Context(), b.Pickup, b.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) rememberLocation(ctx context.Context, uid string, c models.Coord) {
	if s.deps.Cache == nil {
		return
	}
	if err := kvcache.SaveUserLocation(ctx, s.deps.Cache, uid, c); err != nil {
		s.logger.Warn("cache user location failed", "user_id", uid, "error", err)
	}
}

func (s *Server) handlePlaces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Places == nil {
		s.writeError(w, r, fmt.Errorf("%w: places", errUnavailable))
		return
	}
	q := r.URL.Query()
	var bias *models.Coord
	if q.Get("lat") != "" && q.Get("lon") != "" {
		lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
		lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
		if err := errors.Join(err1, err2); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: bias: %v", ride.ErrInvalidInput, err))
			return
		}
		bias = &models.Coord{Lat: lat, Lon: lon}
	} else if s.deps.Cache != nil {
		if c, err := kvcache.UserLocation(r.Context(), s.deps.Cache, callerFromContext(r.Context())); err == nil {
			bias = &c
		}
	}
	found, err := s.deps.Places.Search(r.Context(), q.Get("q"), bias)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": found})
}

type rideBody struct {
	Category           string       `json:"category"`
	StartAddress       string       `json:"startAddress"`
	Start              models.Coord `json:"start"`
	DestinationAddress string       `json:"destinationAddress"`
	Destination        models.Coord `json:"destination"`
}

type rideResponse struct {
	ride.RiderView
	FailedDrivers []string `json:"failedDrivers,omitempty"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var b rideBody
	if err := decode(r, &b, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	category, ok := models.ParseCategory(b.Category)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: unknown category %q", ride.ErrInvalidInput, b.Category))
		return
	}
	if !b.Start.Valid() || !b.Destination.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: coordinates out of range", ride.ErrInvalidInput))
		return
	}
	riderID := callerFromContext(r.Context())
	q, err := s.deps.Quoter.Quote(r.Context(), b.Start, b.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	option, ok := q.Option(category)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: %s", ride.ErrNoCandidates, category))
		return
	}
	req := models.RideRequest{
		StartAddress:       b.StartAddress,
		StartLat:           b.Start.Lat,
		StartLng:           b.Start.Lon,
		DestinationAddress: b.DestinationAddress,
		DestLat:            b.Destination.Lat,
		DestLng:            b.Destination.Lon,
	}
	rd, err := s.deps.Manager.RequestRide(r.Context(), riderID, req, option)
	var fanErr *ride.FanoutError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, rideResponse{RiderView: rd.View()})
	case rd != nil && errors.As(err, &fanErr) && rd.State() == ride.StateAwaitingAcceptance:
		s.logger.Warn("partial notification fan-out", "ride_id", rd.RideID(), "error", err)
		writeJSON(w, http.StatusCreated, rideResponse{RiderView: rd.View(), FailedDrivers: failedIDs(fanErr)})
	default:
		s.writeError(w, r, err)
	}
}

// liveRide returns the caller's live ride or false after writing 404.
func (s *Server) liveRide(w http.ResponseWriter, r *http.Request) (*ride.Rider, bool) {
	id := mux.Vars(r)["id"]
	rd, ok := s.deps.Manager.Ride(id)
	if !ok || rd.View().RiderID != callerFromContext(r.Context()) {
		writeJSONError(w, http.StatusNotFound, "ride not found")
		return nil, false
	}
	return rd, true
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := callerFromContext(r.Context())
	if rd, ok := s.deps.Manager.Ride(id); ok {
		v := rd.View()
		if v.RiderID == caller || (v.DriverID != "" && v.DriverID == caller) {
			writeJSON(w, http.StatusOK, rideResponse{RiderView: v})
			return
		}
	}
	if s.deps.Archive != nil {
		rec, err := s.deps.Archive.GetTrip(r.Context(), id)
		if err == nil && (rec.RiderID == caller || rec.DriverID == caller) {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "ride not found")
}

func (s *Server) handleRiderTrips(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.writeError(w, r, fmt.Errorf("%w: ride archive", errUnavailable))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 100", ride.ErrInvalidInput))
			return
		}
		limit = n
	}
	trips, err := s.deps.Archive.RiderTrips(r.Context(), callerFromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": trips})
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.liveRide(w, r)
	if !ok {
		return
	}
	var b cancelBody
	if err := decode(r, &b, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if b.Reason == "" {
		b.Reason = "rider cancelled"
	}
	if err := rd.Cancel(r.Context(), b.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideResponse{RiderView: rd.View()})
}

type paymentBody struct {
	CustomerID string `json:"customerId"`
}

func (s *Server) handleAuthorizePayment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		s.writeError(w, r, fmt.Errorf("%w: payments", errUnavailable))
		return
	}
	rd, ok := s.liveRide(w, r)
	if !ok {
		return
	}
	var b paymentBody
	if err := decode(r, &b, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	v := rd.View()
	if v.Fare == nil {
		s.writeError(w, r, fmt.Errorf("%w: %s", ride.ErrFareUnknown, v.RideID))
		return
	}
	id, err := s.deps.Payments.Authorize(r.Context(), v.RideID, v.Fare.Amount, v.Fare.Currency, b.CustomerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"rideId": v.RideID, "paymentIntent": id})
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var p models.DriverProfile
	if err := decode(r, &p, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.UID = mux.Vars(r)["id"]
	saved, err := s.deps.Registry.Register(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d := s.deps.Manager.Driver(id)
	if err := d.GoOnline(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Notifier != nil {
		// the watch outlives this request
		if err := d.WatchOffers(context.WithoutCancel(r.Context()), s.deps.Notifier.OfferFunc(id)); err != nil {
			s.logger.Error("watch offers failed", "driver_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"driverId": id, "online": true})
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d := s.deps.Manager.Driver(id)
	d.StopWatching()
	if err := d.GoOffline(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driverId": id, "online": false})
}

func (s *Server) handleCurrentOffer(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Manager.Driver(mux.Vars(r)["id"]).Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Manager.Driver(mux.Vars(r)["id"]).Accept(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Manager.Driver(mux.Vars(r)["id"]).StartRide(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Driver(mux.Vars(r)["id"]).Cancel(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.deps.Manager.Ledger().Rides(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entry, err := s.deps.Manager.Complete(r.Context(), vars["id"], vars["riderId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Manager.Ledger().Earnings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleDriverLocation accepts a device fix. The caller's location reporter
// picks it up on its next tick.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var f location.Fix
	if err := decode(r, &f, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	c := f.Coord()
	if !c.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: coordinates out of range", ride.ErrInvalidInput))
		return
	}
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	uid := callerFromContext(r.Context())
	if s.deps.Locations != nil {
		s.deps.Locations.Push(uid, f)
	}
	s.rememberLocation(r.Context(), uid, c)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	if id != callerFromContext(r.Context()) {
		writeJSONError(w, http.StatusForbidden, "cannot subscribe for another user")
		return
	}
	if s.deps.WS == nil {
		s.writeError(w, r, fmt.Errorf("%w: websocket", errUnavailable))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id, "error", err)
		return
	}
	s.deps.WS.Add(id, conn)
	go func() {
		defer func() {
			s.deps.WS.Remove(id, conn)
			_ = conn.Close()
		}()
		// drain client frames so close and ping are processed
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}
