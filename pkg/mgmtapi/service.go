/*
Package mgmtapi is the internal gRPC management surface spec.md
mentions only as "HTTP management endpoints...referenced only through
their interfaces" (excluded as a full HTTP/JWT stack by Non-goals).
Grounded on cuemby-warren's pkg/api/server.go and pkg/client/client.go:
the same grpc.Server/grpc.ClientConn wiring and server/client split,
narrowed to three read/operate RPCs a pageserver or safekeeper exposes
for its own operators: GetTimelineStatus, TriggerEviction, ListLayers.

No .proto definitions were available to generate typed request/response
messages from, so every RPC here exchanges a single generic
google.golang.org/protobuf/types/known/structpb.Struct instead of a
per-RPC generated type: hand-authoring protoc-gen-go's generated message
internals (raw descriptor bytes, ProtoReflect machinery) without the
compiler would be guesswork, whereas structpb.Struct is a real,
already-implemented protobuf message shipped by the protobuf module
itself. The ServiceDesc/handler plumbing below is the same shape
protoc-gen-go-grpc would emit, authored by hand against that one
message type.
*/
package mgmtapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "strata.mgmtapi.Admin"

// AdminServer is implemented by Server and registered against a grpc.Server.
type AdminServer interface {
	GetTimelineStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerEviction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLayers(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// AdminClient is the typed stub a CLI or another node dials against.
type AdminClient interface {
	GetTimelineStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	TriggerEviction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListLayers(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type adminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps an existing connection with the Admin stub.
func NewAdminClient(cc grpc.ClientConnInterface) AdminClient {
	return &adminClient{cc: cc}
}

func (c *adminClient) GetTimelineStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetTimelineStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) TriggerEviction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/TriggerEviction", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) ListLayers(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ListLayers", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterAdminServer registers srv's handlers on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

func adminGetTimelineStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetTimelineStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetTimelineStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).GetTimelineStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func adminTriggerEvictionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).TriggerEviction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/TriggerEviction"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).TriggerEviction(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func adminListLayersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListLayers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListLayers"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).ListLayers(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTimelineStatus", Handler: adminGetTimelineStatusHandler},
		{MethodName: "TriggerEviction", Handler: adminTriggerEvictionHandler},
		{MethodName: "ListLayers", Handler: adminListLayersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/mgmtapi/service.go",
}
