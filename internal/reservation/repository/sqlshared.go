package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/evreserve/internal/reservation/domain"
)

const reservationColumns = `id, user_id, station_id, connector_type, start_time, end_time, status,
	vehicle, notes, estimated_cost, session, cancel_reason,
	created_at, confirmed_at, started_at, completed_at, cancelled_at, version`

var occupyingStatuses = []domain.Status{domain.StatusPending, domain.StatusConfirmed, domain.StatusActive}

type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	// noLimit is emitted before OFFSET when the dialect requires a LIMIT clause.
	noLimit string
}

// buildListQuery renders the WHERE/ORDER/LIMIT part of a listing for the given dialect.
func buildListQuery(table string, q domain.ListQuery, d dialect) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, d.placeholder(len(args))))
	}
	if q.UserID != "" {
		add("user_id = %s", q.UserID)
	}
	if q.StationID != "" {
		add("station_id = %s", q.StationID)
	}
	if len(q.Statuses) > 0 {
		ph := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			args = append(args, string(s))
			ph[i] = d.placeholder(len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if !q.From.IsZero() {
		add("start_time >= %s", d.timeArg(q.From))
	}
	if !q.To.IsZero() {
		add("start_time < %s", d.timeArg(q.To))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(reservationColumns)
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY start_time DESC, created_at DESC")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(" LIMIT " + d.placeholder(len(args)))
	} else if q.Offset > 0 && d.noLimit != "" {
		sb.WriteString(" " + d.noLimit)
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sb.WriteString(" OFFSET " + d.placeholder(len(args)))
	}
	return sb.String(), args
}

func marshalNullable(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	return b, nil
}

func encodeExtras(r domain.Reservation) (vehicle, session []byte, err error) {
	if vehicle, err = marshalNullable(r.Vehicle, r.Vehicle == nil); err != nil {
		return nil, nil, err
	}
	if session, err = marshalNullable(r.Session, r.Session == nil); err != nil {
		return nil, nil, err
	}
	return vehicle, session, nil
}

func decodeExtras(r *domain.Reservation, vehicle, session []byte) error {
	if len(vehicle) > 0 {
		r.Vehicle = &domain.Vehicle{}
		if err := json.Unmarshal(vehicle, r.Vehicle); err != nil {
			return fmt.Errorf("decode vehicle: %w", err)
		}
	}
	if len(session) > 0 {
		r.Session = &domain.SessionMetrics{}
		if err := json.Unmarshal(session, r.Session); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
	}
	return nil
}

// outboxEntry renders the event describing the reservation's current status.
func outboxEntry(res domain.Reservation) (eventType string, payload []byte, err error) {
	event := domain.EventFor(res, time.Now().UTC())
	payload, err = json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return string(event.Type), payload, nil
}
