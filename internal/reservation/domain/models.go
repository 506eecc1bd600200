package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a wire status value.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusPending, StatusConfirmed, StatusActive, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, v)
	}
}

// Occupies reports whether a reservation in this status holds its connector.
func (s Status) Occupies() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusActive:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Transition string

const (
	TransitionConfirm  Transition = "confirm"
	TransitionStart    Transition = "start"
	TransitionComplete Transition = "complete"
	TransitionCancel   Transition = "cancel"
)

// Apply returns the status reached by t from s. Repeating an already applied
// transition is rejected like any other illegal move.
func (s Status) Apply(t Transition) (Status, error) {
	switch t {
	case TransitionConfirm:
		if s == StatusPending {
			return StatusConfirmed, nil
		}
	case TransitionStart:
		if s == StatusConfirmed {
			return StatusActive, nil
		}
	case TransitionComplete:
		if s == StatusActive {
			return StatusCompleted, nil
		}
	case TransitionCancel:
		if s.Occupies() {
			return StatusCancelled, nil
		}
	}
	return s, fmt.Errorf("%w: cannot %s a %s reservation", ErrInvalidTransition, t, s)
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidWindow)
	}
	return nil
}

// Overlaps uses half-open semantics: back-to-back windows do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// SlotKey identifies a connector group: all connectors of one type at one station.
type SlotKey struct {
	StationID     string
	ConnectorType string
}

func (k SlotKey) String() string { return k.StationID + ":" + k.ConnectorType }

type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Connector struct {
	Type        string  `json:"type" yaml:"type"`
	PowerKW     float64 `json:"powerKw" yaml:"power_kw"`
	PricePerKWh float64 `json:"pricePerKwh" yaml:"price_per_kwh"`
}

type Station struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Address    string      `json:"address" yaml:"address"`
	Location   Coordinate  `json:"location" yaml:"location"`
	Connectors []Connector `json:"connectors" yaml:"connectors"`
}

// ConnectorCount returns how many physical connectors of the type the station has.
func (s Station) ConnectorCount(connectorType string) int {
	n := 0
	for _, c := range s.Connectors {
		if c.Type == connectorType {
			n++
		}
	}
	return n
}

// Connector returns the first connector descriptor of the given type.
func (s Station) Connector(connectorType string) (Connector, bool) {
	for _, c := range s.Connectors {
		if c.Type == connectorType {
			return c, true
		}
	}
	return Connector{}, false
}

type Vehicle struct {
	Make               string   `json:"make,omitempty"`
	Model              string   `json:"model,omitempty"`
	BatteryCapacityKWh *float64 `json:"batteryCapacity,omitempty"`
	CurrentChargePct   *float64 `json:"currentCharge,omitempty"`
}

// SessionMetrics are attached when a charging session completes.
type SessionMetrics struct {
	EnergyKWh *float64 `json:"energyDelivered,omitempty"`
	FinalCost *float64 `json:"finalCost,omitempty"`
}

type Reservation struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"userId"`
	StationID     string          `json:"stationId"`
	ConnectorType string          `json:"connectorType"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Status        Status          `json:"status"`
	Vehicle       *Vehicle        `json:"vehicleInfo,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	EstimatedCost float64         `json:"estimatedCost"`
	Session       *SessionMetrics `json:"session,omitempty"`
	CancelReason  string          `json:"cancellationReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	Version     int64      `json:"version"`
}

func (r Reservation) Window() Window { return Window{Start: r.StartTime, End: r.EndTime} }

func (r Reservation) Key() SlotKey {
	return SlotKey{StationID: r.StationID, ConnectorType: r.ConnectorType}
}

type EventType string

const (
	EventReservationCreated   EventType = "ReservationCreated"
	EventReservationConfirmed EventType = "ReservationConfirmed"
	EventChargingStarted      EventType = "ChargingStarted"
	EventChargingCompleted    EventType = "ChargingCompleted"
	EventReservationCancelled EventType = "ReservationCancelled"
)

type Event struct {
	ID            int64          `json:"id,omitempty"`
	ReservationID uuid.UUID      `json:"reservationId"`
	UserID        string         `json:"userId"`
	StationID     string         `json:"stationId"`
	ConnectorType string         `json:"connectorType"`
	Type          EventType      `json:"type"`
	Status        Status         `json:"status"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// EventFor describes the transition that left r in its current status.
func EventFor(r Reservation, at time.Time) Event {
	var typ EventType
	switch r.Status {
	case StatusPending:
		typ = EventReservationCreated
	case StatusConfirmed:
		typ = EventReservationConfirmed
	case StatusActive:
		typ = EventChargingStarted
	case StatusCompleted:
		typ = EventChargingCompleted
	case StatusCancelled:
		typ = EventReservationCancelled
	}
	return Event{
		ReservationID: r.ID,
		UserID:        r.UserID,
		StationID:     r.StationID,
		ConnectorType: r.ConnectorType,
		Type:          typ,
		Status:        r.Status,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		CreatedAt:     at,
	}
}

// ListQuery filters reservation listings. Zero values disable a filter.
// From/To bound the reservation start time as [From, To).
type ListQuery struct {
	UserID    string
	StationID string
	Statuses  []Status
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Matches applies every filter except paging.
func (q ListQuery) Matches(r Reservation) bool {
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if q.StationID != "" && r.StationID != q.StationID {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if s == r.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.From.IsZero() && r.StartTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.StartTime.Before(q.To) {
		return false
	}
	return true
}

type Repository interface {
	Insert(ctx context.Context, r Reservation) (Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (Reservation, error)
	// Overlapping returns reservations on key that occupy a connector during w.
	Overlapping(ctx context.Context, key SlotKey, w Window) ([]Reservation, error)
	// CompareAndSwap stores r only if the stored version still equals expectedVersion.
	// A stale writer receives ErrInvalidTransition.
	CompareAndSwap(ctx context.Context, r Reservation, expectedVersion int64) (Reservation, error)
	// List returns matches ordered by start time, newest first.
	List(ctx context.Context, q ListQuery) ([]Reservation, error)
}

type StationCatalog interface {
	Get(ctx context.Context, id string) (Station, error)
	List(ctx context.Context) ([]Station, error)
	Nearby(ctx context.Context, origin Coordinate, radiusKM float64, limit int) ([]Station, error)
}

// SlotLocker serialises writers per connector group.
type SlotLocker interface {
	Acquire(ctx context.Context, key SlotKey) (SlotLock, error)
}

// SlotLock is a held connector group lock.
type SlotLock interface {
	// Fence confirms the lock is still owned and returns ctx bounded by the
	// time left on it. Writes that depend on exclusivity run under the
	// returned context. A lock that is no longer owned yields ErrUnavailable.
	Fence(ctx context.Context) (context.Context, context.CancelFunc, error)
	// Release is safe to call more than once.
	Release()
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
