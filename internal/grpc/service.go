package grpc

import (
	"context"
	"strings"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

const (
	ServiceName         = "flowforge.widget.v1.WidgetService"
	GetWidgetDataMethod = "/" + ServiceName + "/GetWidgetData"
	WatchWidgetMethod   = "/" + ServiceName + "/WatchWidget"

	tenantMetadataKey = "x-tenant-id"
)

type widgetService interface {
	GetWidgetData(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchWidget(*structpb.Struct, grpclib.ServerStream) error
}

// ServiceDesc describes flowforge.widget.v1.WidgetService.
var ServiceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*widgetService)(nil),
	Methods: []grpclib.MethodDesc{
		{MethodName: "GetWidgetData", Handler: getWidgetDataHandler},
	},
	Streams: []grpclib.StreamDesc{
		{StreamName: "WatchWidget", Handler: watchWidgetHandler, ServerStreams: true},
	},
	Metadata: "flowforge/widget/v1/widget.proto",
}

func getWidgetDataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(widgetService).GetWidgetData(ctx, in)
	}
	info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: GetWidgetDataMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(widgetService).GetWidgetData(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchWidgetHandler(srv any, stream grpclib.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(widgetService).WatchWidget(in, stream)
}

// ─── Tenant interceptors ───

func exempt(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}

func tenantContext(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var raw string
	if vals := md.Get(tenantMetadataKey); len(vals) > 0 {
		raw = vals[0]
	}
	id, err := tenant.Parse(raw)
	if err != nil {
		return nil, toStatus(apperr.IsolationViolation("grpc.tenant", err.Error()))
	}
	return tenant.WithTenant(ctx, id), nil
}

// UnaryTenantInterceptor binds the x-tenant-id metadata to the request
// context and rejects calls without it.
func UnaryTenantInterceptor(logger *zap.SugaredLogger) grpclib.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpclib.UnaryServerInfo, handler grpclib.UnaryHandler) (any, error) {
		if exempt(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := tenantContext(ctx)
		if err != nil {
			logger.Warnw("Rejected call without tenant", "method", info.FullMethod)
			return nil, err
		}
		return handler(ctx, req)
	}
}

type tenantStream struct {
	grpclib.ServerStream
	ctx context.Context
}

func (s *tenantStream) Context() context.Context { return s.ctx }

// StreamTenantInterceptor is the streaming counterpart of UnaryTenantInterceptor.
func StreamTenantInterceptor(logger *zap.SugaredLogger) grpclib.StreamServerInterceptor {
	return func(srv any, ss grpclib.ServerStream, info *grpclib.StreamServerInfo, handler grpclib.StreamHandler) error {
		if exempt(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := tenantContext(ss.Context())
		if err != nil {
			logger.Warnw("Rejected stream without tenant", "method", info.FullMethod)
			return err
		}
		return handler(srv, &tenantStream{ServerStream: ss, ctx: ctx})
	}
}
