package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/example/evreserve/internal/reservation/availability"
	"github.com/example/evreserve/internal/reservation/domain"
	"github.com/example/evreserve/internal/station/locator"
)

const serviceName = "evreserve.Reservations"

type CheckAvailabilityRequest struct {
	StationID     string    `json:"stationId"`
	ConnectorType string    `json:"connectorType"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
}

type NearbyRequest struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	RadiusKM float64 `json:"radiusKm"`
	Limit    int     `json:"limit"`
}

type NearbyReply struct {
	Stations []locator.StationWithDistance `json:"stations"`
}

type CreateRequest struct {
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	StationID      string          `json:"stationId"`
	ConnectorType  string          `json:"connectorType"`
	StartTime      time.Time       `json:"startTime"`
	EndTime        time.Time       `json:"endTime"`
	Vehicle        *domain.Vehicle `json:"vehicleInfo,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type CancelRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ReservationsServer defines the gRPC contract.
type ReservationsServer interface {
	CheckAvailability(context.Context, *CheckAvailabilityRequest) (*availability.Result, error)
	Nearby(context.Context, *NearbyRequest) (*NearbyReply, error)
	Create(context.Context, *CreateRequest) (*domain.Reservation, error)
	Cancel(context.Context, *CancelRequest) (*domain.Reservation, error)
}

// RegisterReservationsServer registers service implementation.
func RegisterReservationsServer(s grpc.ServiceRegistrar, srv ReservationsServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*ReservationsServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CheckAvailability", Handler: unaryHandler("CheckAvailability", func(srv ReservationsServer, ctx context.Context, in *CheckAvailabilityRequest) (any, error) {
				return srv.CheckAvailability(ctx, in)
			})},
			{MethodName: "Nearby", Handler: unaryHandler("Nearby", func(srv ReservationsServer, ctx context.Context, in *NearbyRequest) (any, error) {
				return srv.Nearby(ctx, in)
			})},
			{MethodName: "Create", Handler: unaryHandler("Create", func(srv ReservationsServer, ctx context.Context, in *CreateRequest) (any, error) {
				return srv.Create(ctx, in)
			})},
			{MethodName: "Cancel", Handler: unaryHandler("Cancel", func(srv ReservationsServer, ctx context.Context, in *CancelRequest) (any, error) {
				return srv.Cancel(ctx, in)
			})},
		},
	}, srv)
}

func unaryHandler[Req any](method string, call func(ReservationsServer, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReservationsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReservationsServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ReservationsClient calls the service with the JSON codec.
type ReservationsClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationsClient(cc grpc.ClientConnInterface) *ReservationsClient {
	return &ReservationsClient{cc: cc}
}

func (c *ReservationsClient) CheckAvailability(ctx context.Context, in *CheckAvailabilityRequest, opts ...grpc.CallOption) (*availability.Result, error) {
	out := new(availability.Result)
	return out, c.invoke(ctx, "CheckAvailability", in, out, opts)
}

func (c *ReservationsClient) Nearby(ctx context.Context, in *NearbyRequest, opts ...grpc.CallOption) (*NearbyReply, error) {
	out := new(NearbyReply)
	return out, c.invoke(ctx, "Nearby", in, out, opts)
}

func (c *ReservationsClient) Create(ctx context.Context, in *CreateRequest, opts ...grpc.CallOption) (*domain.Reservation, error) {
	out := new(domain.Reservation)
	return out, c.invoke(ctx, "Create", in, out, opts)
}

func (c *ReservationsClient) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*domain.Reservation, error) {
	out := new(domain.Reservation)
	return out, c.invoke(ctx, "Cancel", in, out, opts)
}

func (c *ReservationsClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}
