package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/reservation/availability"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/locking"
)

// Config holds the service tunables.
type Config struct {
	MaxNoteLength    int
	DefaultListLimit int
	MaxListLimit     int
	// DefaultScheduleSpan is used when a station schedule query omits its end.
	DefaultScheduleSpan time.Duration
	// PublishTimeout bounds each event publish independently of the request.
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxNoteLength <= 0 {
		c.MaxNoteLength = 500
	}
	if c.DefaultListLimit <= 0 {
		c.DefaultListLimit = 50
	}
	if c.MaxListLimit <= 0 {
		c.MaxListLimit = 200
	}
	if c.DefaultScheduleSpan <= 0 {
		c.DefaultScheduleSpan = 24 * time.Hour
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// Service owns the reservation lifecycle.
type Service struct {
	repo       domain.Repository
	catalog    domain.StationCatalog
	checker    *availability.Checker
	locker     domain.SlotLocker
	events     domain.EventPublisher
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        Config
}

// New constructs a Service. A nil locker falls back to an in-process keyed
// mutex, a nil clock to the system clock.
func New(repo domain.Repository, catalog domain.StationCatalog, locker domain.SlotLocker, events domain.EventPublisher, clock domain.Clock, idem domain.IdempotencyRepository, logger *zap.Logger, cfg Config) *Service {
	if locker == nil {
		locker = locking.NewKeyedMutex()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		catalog:    catalog,
		checker:    availability.New(catalog, repo),
		locker:     locker,
		events:     events,
		clock:      clock,
		idempotent: idem,
		logger:     logger.Named("reservation_service"),
		tracer:     otel.Tracer("reservation.service"),
		cfg:        cfg.withDefaults(),
	}
}

// CreateRequest carries the fields a caller may set on a new reservation.
type CreateRequest struct {
	UserID        string
	StationID     string
	ConnectorType string
	Start         time.Time
	End           time.Time
	Vehicle       *domain.Vehicle
	Notes         string
}

// ListFilter narrows a user's reservation listing.
type ListFilter struct {
	Statuses []domain.Status
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Analytics summarises a user's reservations whose window starts within the period.
type Analytics struct {
	PeriodDays         int                   `json:"periodDays"`
	From               time.Time             `json:"from"`
	TotalReservations  int                   `json:"totalReservations"`
	ByStatus           map[domain.Status]int `json:"byStatus"`
	ReservedHours      float64               `json:"totalReservedHours"`
	EstimatedCost      float64               `json:"totalEstimatedCost"`
	EnergyDeliveredKWh float64               `json:"totalEnergyDelivered"`
	FinalCost          float64               `json:"totalFinalCost"`
}

// CheckAvailability reports free capacity of a connector group for a window.
func (s *Service) CheckAvailability(ctx context.Context, stationID, connectorType string, w domain.Window) (res availability.Result, err error) {
	ctx, span := s.startSpan(ctx, "reservation.check_availability",
		attribute.String("station_id", stationID), attribute.String("connector_type", connectorType))
	defer func() { s.finish(span, "check_availability", err) }()

	started := time.Now()
	res, err = s.checker.Check(ctx, stationID, connectorType, w)
	if err != nil {
		return availability.Result{}, err
	}
	availabilityDuration.WithLabelValues(fmt.Sprint(res.Available)).Observe(time.Since(started).Seconds())
	return res, nil
}

// Create books a connector for the requested window. The availability check
// and the insert run under the connector group lock so racing overlapping
// creates cannot both succeed; the insert is fenced so a lock that lapsed
// mid-check refuses the write. The lock is released before the event is
// published. A repeated idempotency key from the same user returns the
// reservation created by the first call.
func (s *Service) Create(ctx context.Context, idemKey string, req CreateRequest) (created domain.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "reservation.create",
		attribute.String("station_id", req.StationID), attribute.String("connector_type", req.ConnectorType))
	defer func() { s.finish(span, "create", err) }()

	if req.UserID == "" {
		return domain.Reservation{}, domain.ErrUnauthorized
	}
	cacheKey := ""
	if idemKey != "" && s.idempotent != nil {
		cacheKey = req.UserID + ":" + idemKey
		if r, ok := s.replay(ctx, cacheKey); ok {
			return r, nil
		}
	}

	now := s.clock.Now()
	w := domain.Window{Start: req.Start, End: req.End}
	if err := w.Validate(); err != nil {
		return domain.Reservation{}, err
	}
	if !w.Start.After(now) {
		return domain.Reservation{}, fmt.Errorf("%w: start must be in the future", domain.ErrInvalidWindow)
	}
	if utf8.RuneCountInString(req.Notes) > s.cfg.MaxNoteLength {
		return domain.Reservation{}, fmt.Errorf("%w: limit is %d characters", domain.ErrNoteTooLong, s.cfg.MaxNoteLength)
	}

	station, err := s.catalog.Get(ctx, req.StationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	connector, ok := station.Connector(req.ConnectorType)
	if !ok {
		return domain.Reservation{}, fmt.Errorf("station %s, connector %q: %w", station.ID, req.ConnectorType, domain.ErrUnknownConnector)
	}

	key := domain.SlotKey{StationID: station.ID, ConnectorType: req.ConnectorType}
	lock, err := s.locker.Acquire(ctx, key)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer lock.Release()

	// A concurrent retry with the same key may have finished while we waited.
	if cacheKey != "" {
		if r, ok := s.replay(ctx, cacheKey); ok {
			return r, nil
		}
	}

	avail, err := s.checker.CheckStation(ctx, station, req.ConnectorType, w)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !avail.Available {
		return domain.Reservation{}, fmt.Errorf("%w: %d of %d %s connectors taken at %s", domain.ErrSlotConflict,
			avail.OccupiedConnectors, avail.TotalConnectors, req.ConnectorType, station.ID)
	}

	r := domain.Reservation{
		ID:            uuid.New(),
		UserID:        req.UserID,
		StationID:     station.ID,
		ConnectorType: req.ConnectorType,
		StartTime:     w.Start.UTC(),
		EndTime:       w.End.UTC(),
		Status:        domain.StatusPending,
		Vehicle:       req.Vehicle,
		Notes:         req.Notes,
		EstimatedCost: EstimateCost(connector, w),
		CreatedAt:     now,
		Version:       1,
	}
	created, err = s.fencedWrite(ctx, lock, func(writeCtx context.Context) (domain.Reservation, error) {
		return s.repo.Insert(writeCtx, r)
	})
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	// Retries with the same key replay this response once they get the lock.
	if cacheKey != "" {
		if payload, err := json.Marshal(created); err == nil {
			if err := s.idempotent.PutResponse(ctx, cacheKey, payload); err != nil {
				s.logger.Warn("store idempotent response", zap.Error(err))
			}
		}
	}
	lock.Release()
	s.publish(ctx, created)
	return created, nil
}

func (s *Service) replay(ctx context.Context, cacheKey string) (domain.Reservation, bool) {
	cached, ok, err := s.idempotent.GetResponse(ctx, cacheKey)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.Error(err))
		return domain.Reservation{}, false
	}
	if !ok {
		return domain.Reservation{}, false
	}
	var r domain.Reservation
	if err := json.Unmarshal(cached, &r); err != nil {
		s.logger.Warn("discarding unreadable idempotent response", zap.Error(err))
		return domain.Reservation{}, false
	}
	if current, err := s.repo.Get(ctx, r.ID); err == nil {
		return current, true
	}
	return r, true
}

// EstimateCost is price per kWh × rated power × window hours, rounded to cents.
func EstimateCost(c domain.Connector, w domain.Window) float64 {
	return roundCents(c.PricePerKWh * c.PowerKW * w.Duration().Hours())
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

// Get returns a reservation owned by userID. Reservations of other users are
// reported as not found.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID) (domain.Reservation, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if r.UserID != userID {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// List returns the user's reservations, newest start time first.
func (s *Service) List(ctx context.Context, userID string, f ListFilter) ([]domain.Reservation, error) {
	if f.Limit <= 0 {
		f.Limit = s.cfg.DefaultListLimit
	}
	if f.Limit > s.cfg.MaxListLimit {
		f.Limit = s.cfg.MaxListLimit
	}
	if f.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidRequest)
	}
	return s.repo.List(ctx, domain.ListQuery{
		UserID:   userID,
		Statuses: f.Statuses,
		From:     f.From,
		To:       f.To,
		Limit:    f.Limit,
		Offset:   f.Offset,
	})
}

// Active returns the user's non-terminal reservations whose window has not
// ended yet, soonest first.
func (s *Service) Active(ctx context.Context, userID string) ([]domain.Reservation, error) {
	all, err := s.repo.List(ctx, domain.ListQuery{UserID: userID, Statuses: occupying})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]domain.Reservation, 0, len(all))
	for _, r := range all {
		if r.EndTime.After(now) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

var occupying = []domain.Status{domain.StatusPending, domain.StatusConfirmed, domain.StatusActive}

// StationSchedule lists the reservations holding connectors at a station
// during [from, to), with owner details removed.
func (s *Service) StationSchedule(ctx context.Context, stationID string, from, to time.Time) ([]domain.Reservation, error) {
	station, err := s.catalog.Get(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if from.IsZero() {
		from = s.clock.Now()
	}
	if to.IsZero() {
		to = from.Add(s.cfg.DefaultScheduleSpan)
	}
	w := domain.Window{Start: from, End: to}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []domain.Reservation
	for _, c := range station.Connectors {
		if seen[c.Type] {
			continue
		}
		seen[c.Type] = true
		rs, err := s.repo.Overlapping(ctx, domain.SlotKey{StationID: station.ID, ConnectorType: c.Type}, w)
		if err != nil {
			return nil, fmt.Errorf("load schedule: %w", err)
		}
		for _, r := range rs {
			r.UserID = ""
			r.Vehicle = nil
			r.Notes = ""
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// Analytics aggregates the user's reservations starting in the last periodDays days.
func (s *Service) Analytics(ctx context.Context, userID string, periodDays int) (Analytics, error) {
	if periodDays == 0 {
		periodDays = 30
	}
	if periodDays < 1 || periodDays > 366 {
		return Analytics{}, fmt.Errorf("%w: period must be between 1 and 366 days", domain.ErrInvalidRequest)
	}
	from := s.clock.Now().Add(-time.Duration(periodDays) * 24 * time.Hour)
	rs, err := s.repo.List(ctx, domain.ListQuery{UserID: userID, From: from})
	if err != nil {
		return Analytics{}, err
	}

	a := Analytics{PeriodDays: periodDays, From: from, ByStatus: make(map[domain.Status]int)}
	var hours float64
	for _, r := range rs {
		a.TotalReservations++
		a.ByStatus[r.Status]++
		if r.Status == domain.StatusCancelled {
			continue
		}
		hours += r.Window().Duration().Hours()
		a.EstimatedCost += r.EstimatedCost
		if r.Status == domain.StatusCompleted && r.Session != nil {
			if r.Session.EnergyKWh != nil {
				a.EnergyDeliveredKWh += *r.Session.EnergyKWh
			}
			if r.Session.FinalCost != nil {
				a.FinalCost += *r.Session.FinalCost
			}
		}
	}
	a.ReservedHours = math.Round(hours*100) / 100
	a.EstimatedCost = roundCents(a.EstimatedCost)
	a.EnergyDeliveredKWh = math.Round(a.EnergyDeliveredKWh*1000) / 1000
	a.FinalCost = roundCents(a.FinalCost)
	return a, nil
}

// Confirm moves a pending reservation to confirmed.
func (s *Service) Confirm(ctx context.Context, userID string, id uuid.UUID) (domain.Reservation, error) {
	return s.transition(ctx, userID, id, domain.TransitionConfirm, func(r *domain.Reservation, now time.Time) error {
		r.ConfirmedAt = &now
		return nil
	})
}

// Start begins the charging session. It is only allowed inside the window.
func (s *Service) Start(ctx context.Context, userID string, id uuid.UUID) (domain.Reservation, error) {
	return s.transition(ctx, userID, id, domain.TransitionStart, func(r *domain.Reservation, now time.Time) error {
		if now.Before(r.StartTime) {
			return fmt.Errorf("%w: window opens at %s", domain.ErrNotYetStartable, r.StartTime.Format(time.RFC3339))
		}
		if !now.Before(r.EndTime) {
			return fmt.Errorf("%w: window closed at %s", domain.ErrWindowExpired, r.EndTime.Format(time.RFC3339))
		}
		r.StartedAt = &now
		return nil
	})
}

// Complete ends an active session, attaching metrics when supplied.
func (s *Service) Complete(ctx context.Context, userID string, id uuid.UUID, metrics *domain.SessionMetrics) (domain.Reservation, error) {
	if metrics != nil {
		if (metrics.EnergyKWh != nil && *metrics.EnergyKWh < 0) || (metrics.FinalCost != nil && *metrics.FinalCost < 0) {
			return domain.Reservation{}, fmt.Errorf("%w: session metrics must not be negative", domain.ErrInvalidRequest)
		}
	}
	return s.transition(ctx, userID, id, domain.TransitionComplete, func(r *domain.Reservation, now time.Time) error {
		r.CompletedAt = &now
		if metrics != nil {
			m := *metrics
			r.Session = &m
		}
		return nil
	})
}

// Cancel moves any non-terminal reservation to cancelled. Cancelling twice
// fails with ErrInvalidTransition.
func (s *Service) Cancel(ctx context.Context, userID string, id uuid.UUID, reason string) (domain.Reservation, error) {
	if utf8.RuneCountInString(reason) > s.cfg.MaxNoteLength {
		return domain.Reservation{}, fmt.Errorf("%w: cancellation reason limit is %d characters", domain.ErrInvalidRequest, s.cfg.MaxNoteLength)
	}
	return s.transition(ctx, userID, id, domain.TransitionCancel, func(r *domain.Reservation, now time.Time) error {
		r.CancelledAt = &now
		r.CancelReason = reason
		return nil
	})
}

// transition applies t with a compare-and-set on the stored version. When the
// transition frees a connector the group lock is held so it serialises with creates.
func (s *Service) transition(ctx context.Context, userID string, id uuid.UUID, t domain.Transition, mutate func(r *domain.Reservation, now time.Time) error) (updated domain.Reservation, err error) {
	op := string(t)
	ctx, span := s.startSpan(ctx, "reservation."+op, attribute.String("reservation_id", id.String()))
	defer func() { s.finish(span, op, err) }()

	r, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	next, err := r.Status.Apply(t)
	if err != nil {
		return domain.Reservation{}, err
	}
	var lock domain.SlotLock
	if r.Status.Occupies() && !next.Occupies() {
		lock, err = s.locker.Acquire(ctx, r.Key())
		if err != nil {
			return domain.Reservation{}, err
		}
		defer lock.Release()
	}

	now := s.clock.Now()
	expected := r.Version
	if err := mutate(&r, now); err != nil {
		return domain.Reservation{}, err
	}
	r.Status = next
	swap := func(writeCtx context.Context) (domain.Reservation, error) {
		return s.repo.CompareAndSwap(writeCtx, r, expected)
	}
	if lock != nil {
		updated, err = s.fencedWrite(ctx, lock, swap)
		lock.Release()
	} else {
		updated, err = swap(ctx)
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	s.publish(ctx, updated)
	return updated, nil
}

// fencedWrite runs write under the lock's fence. A write cut off by the fence
// deadline, rather than by the caller, is reported as ErrUnavailable.
func (s *Service) fencedWrite(ctx context.Context, lock domain.SlotLock, write func(context.Context) (domain.Reservation, error)) (domain.Reservation, error) {
	writeCtx, cancel, err := lock.Fence(ctx)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer cancel()
	r, err := write(writeCtx)
	if err != nil && ctx.Err() == nil && writeCtx.Err() != nil {
		return domain.Reservation{}, fmt.Errorf("%w: slot lock lapsed during write: %v", domain.ErrUnavailable, err)
	}
	return r, err
}

// publish runs under its own PublishTimeout, detached from request cancellation.
func (s *Service) publish(ctx context.Context, r domain.Reservation) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()
	event := domain.EventFor(r, s.clock.Now())
	if err := s.events.Publish(ctx, event); err != nil {
		eventPublishFailures.WithLabelValues(string(event.Type)).Inc()
		s.logger.Warn("publish reservation event", zap.String("type", string(event.Type)),
			zap.String("reservation_id", r.ID.String()), zap.Error(err))
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		operationsTotal.WithLabelValues(op, "ok").Inc()
		return
	}
	code := domain.Code(err)
	operationsTotal.WithLabelValues(op, code).Inc()
	span.SetAttributes(attribute.String("error.code", code))
	if domain.IsDomain(err) {
		s.logger.Debug("reservation request rejected", zap.String("op", op), zap.String("code", code), zap.Error(err))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("reservation operation failed", zap.String("op", op), zap.Error(err))
}
