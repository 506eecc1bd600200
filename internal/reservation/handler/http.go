package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/auth"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/service"
	"github.com/example/evreserve/internal/station/locator"
)

// Options tunes the HTTP surface.
type Options struct {
	JWTSecret      string
	NearbyRadiusKM float64
	NearbyLimit    int
	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
}

// HTTP exposes reservation and station endpoints.
type HTTP struct {
	svc     *service.Service
	catalog domain.StationCatalog
	opts    Options
	logger  *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, catalog domain.StationCatalog, opts Options, logger *zap.Logger) *HTTP {
	if opts.NearbyRadiusKM <= 0 {
		opts.NearbyRadiusKM = 5
	}
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, catalog: catalog, opts: opts, logger: logger.Named("http")}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if h.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(h.opts.RequestTimeout))
	}
	r.Get("/v1/health", h.health)

	r.Route("/v1/stations", func(r chi.Router) {
		r.Get("/", h.listStations)
		r.Get("/nearby", h.nearbyStations)
		r.Get("/{id}", h.getStation)
	})

	r.Route("/v1/reservations", func(r chi.Router) {
		r.Use(auth.Middleware(h.opts.JWTSecret))
		r.Get("/availability", h.availability)
		r.Post("/", h.createReservation)
		r.Get("/", h.listReservations)
		r.Get("/active", h.activeReservations)
		r.Get("/analytics", h.analytics)
		r.Get("/station/{id}", h.stationSchedule)
		r.Get("/{id}", h.getReservation)
		r.Patch("/{id}/confirm", h.confirm)
		r.Patch("/{id}/start", h.start)
		r.Patch("/{id}/complete", h.complete)
		r.Delete("/{id}", h.cancel)
	})
	return r
}

func (h *HTTP) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTP) listStations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.catalog.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stations)
}

func (h *HTTP) getStation(w http.ResponseWriter, r *http.Request) {
	station, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, station)
}

// nearbyStations returns stations within radius km of lat/lng. With rank=true
// the result is ordered by distance and carries display distances.
func (h *HTTP) nearbyStations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	origin := domain.Coordinate{Lat: lat, Lng: lng}
	if errLat != nil || errLng != nil || !origin.Valid() {
		h.writeError(w, fmt.Errorf("%w: lat and lng are required", domain.ErrInvalidRequest))
		return
	}
	radius, err := floatParam(q.Get("radius"), h.opts.NearbyRadiusKM)
	if err != nil || radius <= 0 {
		h.writeError(w, fmt.Errorf("%w: radius must be a positive number", domain.ErrInvalidRequest))
		return
	}
	limit, err := intParam(q.Get("limit"), h.opts.NearbyLimit)
	if err != nil || limit <= 0 {
		h.writeError(w, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidRequest))
		return
	}

	stations, err := h.catalog.Nearby(r.Context(), origin, radius, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if q.Get("rank") == "true" {
		writeJSON(w, http.StatusOK, locator.Rank(origin, stations))
		return
	}
	if stations == nil {
		stations = []domain.Station{}
	}
	writeJSON(w, http.StatusOK, stations)
}

func (h *HTTP) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := parseWindow(q.Get("startTime"), q.Get("endTime"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.svc.CheckAvailability(r.Context(), q.Get("stationId"), q.Get("connectorType"), window)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createReservationRequest struct {
	StationID     string          `json:"stationId"`
	ConnectorType string          `json:"connectorType"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Vehicle       *domain.Vehicle `json:"vehicleInfo,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

func (h *HTTP) createReservation(w http.ResponseWriter, r *http.Request) {
	var payload createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}
	res, err := h.svc.Create(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateRequest{
		UserID:        auth.UserID(r.Context()),
		StationID:     payload.StationID,
		ConnectorType: payload.ConnectorType,
		Start:         payload.StartTime,
		End:           payload.EndTime,
		Vehicle:       payload.Vehicle,
		Notes:         payload.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *HTTP) listReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f service.ListFilter
	for _, raw := range q["status"] {
		for _, v := range strings.Split(raw, ",") {
			st, err := domain.ParseStatus(strings.TrimSpace(v))
			if err != nil {
				h.writeError(w, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.From, err = timeParam(q.Get("from")); err != nil {
		h.writeError(w, err)
		return
	}
	if f.To, err = timeParam(q.Get("to")); err != nil {
		h.writeError(w, err)
		return
	}
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		h.writeError(w, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidRequest))
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		h.writeError(w, fmt.Errorf("%w: offset must be an integer", domain.ErrInvalidRequest))
		return
	}

	res, err := h.svc.List(r.Context(), auth.UserID(r.Context()), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(res))
}

func (h *HTTP) activeReservations(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Active(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(res))
}

func (h *HTTP) analytics(w http.ResponseWriter, r *http.Request) {
	period, err := intParam(r.URL.Query().Get("period"), 0)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: period must be a number of days", domain.ErrInvalidRequest))
		return
	}
	a, err := h.svc.Analytics(r.Context(), auth.UserID(r.Context()), period)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *HTTP) stationSchedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := timeParam(q.Get("from"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	to, err := timeParam(q.Get("to"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.svc.StationSchedule(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(res))
}

func (h *HTTP) getReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Get(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	h.writeResult(w, func() (domain.Reservation, error) {
		return h.svc.Confirm(r.Context(), auth.UserID(r.Context()), id)
	})
}

func (h *HTTP) start(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	h.writeResult(w, func() (domain.Reservation, error) {
		return h.svc.Start(r.Context(), auth.UserID(r.Context()), id)
	})
}

func (h *HTTP) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	var metrics *domain.SessionMetrics
	var payload domain.SessionMetrics
	if found, err := decodeOptional(r.Body, &payload); err != nil {
		h.writeError(w, err)
		return
	} else if found {
		metrics = &payload
	}
	h.writeResult(w, func() (domain.Reservation, error) {
		return h.svc.Complete(r.Context(), auth.UserID(r.Context()), id, metrics)
	})
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if _, err := decodeOptional(r.Body, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	if payload.Reason == "" {
		payload.Reason = r.URL.Query().Get("reason")
	}
	h.writeResult(w, func() (domain.Reservation, error) {
		return h.svc.Cancel(r.Context(), auth.UserID(r.Context()), id, payload.Reason)
	})
}

func (h *HTTP) writeResult(w http.ResponseWriter, call func() (domain.Reservation, error)) {
	res, err := call()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) reservationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		// Malformed ids cannot exist, so they read as missing.
		h.writeError(w, fmt.Errorf("reservation %q: %w", chi.URLParam(r, "id"), domain.ErrNotFound))
		return uuid.Nil, false
	}
	return id, true
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch domain.Code(err) {
	case domain.CodeInvalidWindow, domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeSlotConflict, domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeNotYetStartable, domain.CodeWindowExpired:
		return http.StatusUnprocessableEntity
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": domain.Code(err), "message": message})
}

func parseWindow(start, end string) (domain.Window, error) {
	s, err := timeParam(start)
	if err != nil {
		return domain.Window{}, err
	}
	e, err := timeParam(end)
	if err != nil {
		return domain.Window{}, err
	}
	return domain.Window{Start: s, End: e}, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", domain.ErrInvalidWindow, v)
	}
	return t, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func floatParam(v string, def float64) (float64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(body io.Reader, v any) (bool, error) {
	err := json.NewDecoder(body).Decode(v)
	switch {
	case errors.Is(err, io.EOF):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return true, nil
}

func nonNil(rs []domain.Reservation) []domain.Reservation {
	if rs == nil {
		return []domain.Reservation{}
	}
	return rs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
