// Package management exposes the two operator actions spec.md §6 names
// for an already-running COLO loop: force a failover, and re-pace the
// Primary's checkpoint period. Generated *.pb.go stubs for a one-file,
// two-method service would add nothing a few lines of google.golang.org/grpc
// plus the stdlib well-known types don't already give us, so the
// ServiceDesc below is hand-registered the way grpc-go itself documents
// doing for small internal services, wire-compatible with any client
// built against the same proto shape.
package management

import (
	"context"

	golog "github.com/NealSCarffery/qemu-colo/log"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Loop is the subset of a running Primary or Secondary loop the
// management surface can act on.
type Loop interface {
	// RequestFailover raises the loop's failover arbiter, the same path
	// a lost heartbeat takes (spec.md §4.B).
	RequestFailover()
}

// Pacer is the subset of PrimaryDeps.Config the management surface can
// change at runtime (spec.md §6's colo_set_checkpoint_period).
type Pacer interface {
	SetCheckpointPeriodMs(ms int64)
}

// Service implements the COLO management RPC surface: LostHeartbeat
// forces a failover exactly as the heartbeat-monitor collaborator
// would (spec.md §4.B); SetCheckpointPeriod re-paces a running Primary.
type Service struct {
	Loop  Loop
	Pacer Pacer // nil on a Secondary, which has no pacing knob
}

// LostHeartbeat implements the generated PaxosKV-style unary RPC
// signature by hand: no request fields, emptypb.Empty response.
func (s *Service) LostHeartbeat(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	golog.Info("management: lost-heartbeat request received, raising failover")
	s.Loop.RequestFailover()
	return &emptypb.Empty{}, nil
}

// SetCheckpointPeriod implements colo_set_checkpoint_period over the
// wire: the new period in milliseconds as a wrapperspb.Int64Value,
// emptypb.Empty response. Returns an error if this loop has no pacer
// (the Secondary side has nothing to re-pace).
func (s *Service) SetCheckpointPeriod(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if s.Pacer == nil {
		return nil, errUnpaceable
	}
	s.Pacer.SetCheckpointPeriodMs(req.GetValue())
	golog.Info("management: checkpoint period updated", golog.Int64("period_ms", req.GetValue()))
	return &emptypb.Empty{}, nil
}

var errUnpaceable = &unpaceableError{}

type unpaceableError struct{}

func (*unpaceableError) Error() string {
	return "management: this loop has no checkpoint period to set"
}

// ServiceDesc is the grpc.ServiceDesc a generated _grpc.pb.go would
// otherwise provide. Method and service names match the RPC shape a
// "colo.Management" proto service with these two methods would
// generate, so any client built against that proto can call in.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "colo.Management",
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "LostHeartbeat",
			Handler:    lostHeartbeatHandler,
		},
		{
			MethodName: "SetCheckpointPeriod",
			Handler:    setCheckpointPeriodHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "colo/management/service.proto",
}

// managementServer is the interface grpc's generated code would call
// HandlerType against; Service satisfies it.
type managementServer interface {
	LostHeartbeat(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SetCheckpointPeriod(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
}

func lostHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).LostHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/colo.Management/LostHeartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).LostHeartbeat(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func setCheckpointPeriodHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).SetCheckpointPeriod(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/colo.Management/SetCheckpointPeriod"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).SetCheckpointPeriod(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterManagementServer registers srv on s the way a generated
// RegisterManagementServer function would.
func RegisterManagementServer(s *grpc.Server, srv managementServer) {
	s.RegisterService(&ServiceDesc, srv)
}
