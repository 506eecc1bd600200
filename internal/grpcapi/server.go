package grpcapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/evreserve/internal/auth"
	"github.com/example/evreserve/internal/reservation/availability"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/reservation/service"
	"github.com/example/evreserve/internal/station/locator"
)

// ErrorCodeKey is the trailer carrying the domain error code.
const ErrorCodeKey = "evreserve-error-code"

// Server implements ReservationsServer on top of the reservation service.
type Server struct {
	svc          *service.Service
	catalog      domain.StationCatalog
	nearbyRadius float64
	nearbyLimit  int
	logger       *zap.Logger
}

// NewServer constructs a server.
func NewServer(svc *service.Service, catalog domain.StationCatalog, nearbyRadiusKM float64, nearbyLimit int, logger *zap.Logger) *Server {
	if nearbyRadiusKM <= 0 {
		nearbyRadiusKM = 5
	}
	if nearbyLimit <= 0 {
		nearbyLimit = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, catalog: catalog, nearbyRadius: nearbyRadiusKM, nearbyLimit: nearbyLimit, logger: logger.Named("grpc")}
}

func (s *Server) CheckAvailability(ctx context.Context, in *CheckAvailabilityRequest) (*availability.Result, error) {
	res, err := s.svc.CheckAvailability(ctx, in.StationID, in.ConnectorType, domain.Window{Start: in.StartTime, End: in.EndTime})
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &res, nil
}

func (s *Server) Nearby(ctx context.Context, in *NearbyRequest) (*NearbyReply, error) {
	radius, limit := in.RadiusKM, in.Limit
	if radius <= 0 {
		radius = s.nearbyRadius
	}
	if limit <= 0 {
		limit = s.nearbyLimit
	}
	origin := domain.Coordinate{Lat: in.Lat, Lng: in.Lng}
	if !origin.Valid() {
		return nil, s.toStatus(ctx, fmt.Errorf("%w: coordinate out of range", domain.ErrInvalidRequest))
	}
	stations, err := s.catalog.Nearby(ctx, origin, radius, limit)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &NearbyReply{Stations: locator.Rank(origin, stations)}, nil
}

func (s *Server) Create(ctx context.Context, in *CreateRequest) (*domain.Reservation, error) {
	r, err := s.svc.Create(ctx, in.IdempotencyKey, service.CreateRequest{
		UserID:        auth.UserID(ctx),
		StationID:     in.StationID,
		ConnectorType: in.ConnectorType,
		Start:         in.StartTime,
		End:           in.EndTime,
		Vehicle:       in.Vehicle,
		Notes:         in.Notes,
	})
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &r, nil
}

func (s *Server) Cancel(ctx context.Context, in *CancelRequest) (*domain.Reservation, error) {
	id, err := uuid.Parse(in.ID)
	if err != nil {
		return nil, s.toStatus(ctx, fmt.Errorf("reservation %q: %w", in.ID, domain.ErrNotFound))
	}
	r, err := s.svc.Cancel(ctx, auth.UserID(ctx), id, in.Reason)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &r, nil
}

func (s *Server) toStatus(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	code := domain.Code(err)
	if setErr := grpc.SetTrailer(ctx, metadata.Pairs(ErrorCodeKey, code)); setErr != nil {
		s.logger.Debug("set error trailer", zap.Error(setErr))
	}
	grpcCode := CodeFor(err)
	if grpcCode == codes.Internal {
		s.logger.Error("grpc request failed", zap.Error(err))
		return status.Error(grpcCode, "internal error")
	}
	return status.Error(grpcCode, err.Error())
}

// CodeFor maps an error to its gRPC status code.
func CodeFor(err error) codes.Code {
	switch domain.Code(err) {
	case domain.CodeInvalidWindow, domain.CodeInvalidRequest:
		return codes.InvalidArgument
	case domain.CodeUnauthorized:
		return codes.Unauthenticated
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeSlotConflict:
		return codes.AlreadyExists
	case domain.CodeInvalidTransition, domain.CodeNotYetStartable, domain.CodeWindowExpired:
		return codes.FailedPrecondition
	case domain.CodeUnavailable:
		return codes.Unavailable
	case domain.CodeTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// DomainError recovers the domain sentinel from a failed call and the
// trailer it returned. Transport failures map to ErrUnavailable or ErrTimeout.
func DomainError(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	if v := trailer.Get(ErrorCodeKey); len(v) > 0 {
		if sentinel := domain.FromCode(v[0]); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, status.Convert(err).Message())
		}
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case codes.Unavailable:
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return err
}
