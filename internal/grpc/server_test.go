package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/event"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/query"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
	"github.com/Frowell/Flowforge-sub002/internal/widget"
)

var tenantA = uuid.MustParse("c5d2e8f1-6a3b-4c97-b0e4-1f8a2d7c9e36")

type fakeReader struct {
	err    error
	tenant uuid.UUID
}

func (f *fakeReader) GetWidgetData(ctx context.Context, id string, _ widget.ReadOptions) (*widget.Data, error) {
	f.tenant, _ = tenant.FromContext(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &widget.Data{
		WidgetID:   id,
		OutputKind: graph.KPIOutput,
		ChartHint:  "kpi",
		Columns:    []string{"close"},
		Rows:       []query.Row{{"close": 101.5}},
	}, nil
}

func startServer(t *testing.T, reader WidgetReader, bus *event.Bus) *grpclib.ClientConn {
	t.Helper()
	logger := zap.NewNop().Sugar()
	lis := bufconn.Listen(1 << 20)

	server := grpclib.NewServer(
		grpclib.UnaryInterceptor(UnaryTenantInterceptor(logger)),
		grpclib.StreamInterceptor(StreamTenantInterceptor(logger)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	NewWidgetServer(reader, bus, logger).Register(server)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpclib.NewClient("passthrough:///bufnet",
		grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func withTenant(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, tenantMetadataKey, tenantA.String())
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestGetWidgetData(t *testing.T) {
	reader := &fakeReader{}
	conn := startServer(t, reader, event.NewBus(4, zap.NewNop().Sugar()))

	resp := new(structpb.Struct)
	err := conn.Invoke(withTenant(context.Background()), GetWidgetDataMethod, request(t, map[string]any{"widget_id": "w-1"}), resp)
	require.NoError(t, err)

	assert.Equal(t, "w-1", resp.Fields["widget_id"].GetStringValue())
	assert.Equal(t, "kpi_output", resp.Fields["output_kind"].GetStringValue())
	rows := resp.Fields["rows"].GetListValue().GetValues()
	require.Len(t, rows, 1)
	assert.Equal(t, 101.5, rows[0].GetStructValue().Fields["close"].GetNumberValue())
	assert.Equal(t, tenantA, reader.tenant)
}

func TestGetWidgetDataRequiresTenant(t *testing.T) {
	conn := startServer(t, &fakeReader{}, event.NewBus(4, zap.NewNop().Sugar()))

	err := conn.Invoke(context.Background(), GetWidgetDataMethod, request(t, map[string]any{"widget_id": "w-1"}), new(structpb.Struct))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestGetWidgetDataErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{apperr.WidgetNotFound("w-1"), codes.NotFound},
		{apperr.GraphCycle([]string{"a", "b"}), codes.FailedPrecondition},
		{apperr.DataUnavailable("read", context.DeadlineExceeded), codes.Unavailable},
		{apperr.ExecutionTimeout("scan", context.DeadlineExceeded), codes.DeadlineExceeded},
		{apperr.IsolationViolation("scan", "foreign row"), codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(string(apperr.KindOf(tc.err)), func(t *testing.T) {
			conn := startServer(t, &fakeReader{err: tc.err}, event.NewBus(4, zap.NewNop().Sugar()))
			err := conn.Invoke(withTenant(context.Background()), GetWidgetDataMethod, request(t, map[string]any{"widget_id": "w-1"}), new(structpb.Struct))
			assert.Equal(t, tc.want, status.Code(err))
		})
	}
}

func TestGetWidgetDataValidatesRequest(t *testing.T) {
	conn := startServer(t, &fakeReader{}, event.NewBus(4, zap.NewNop().Sugar()))
	ctx := withTenant(context.Background())

	err := conn.Invoke(ctx, GetWidgetDataMethod, request(t, map[string]any{}), new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = conn.Invoke(ctx, GetWidgetDataMethod, request(t, map[string]any{"widget_id": "w-1", "from": "2024-03-04T09:00:00Z"}), new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWatchWidget(t *testing.T) {
	bus := event.NewBus(4, zap.NewNop().Sugar())
	conn := startServer(t, &fakeReader{}, bus)

	ctx, cancel := context.WithTimeout(withTenant(context.Background()), 5*time.Second)
	defer cancel()
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], WatchWidgetMethod)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(request(t, map[string]any{"widget_id": "w-1"})))
	require.NoError(t, stream.CloseSend())

	require.Eventually(t, func() bool { return len(bus.Subscribers(tenantA)) == 1 }, 2*time.Second, 5*time.Millisecond)
	bus.Publish(tenantA, []string{"w-1"}, event.ReasonGraphChanged)

	msg := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(msg))
	assert.Equal(t, "refresh", msg.Fields["type"].GetStringValue())
	assert.Equal(t, event.ReasonGraphChanged, msg.Fields["reason"].GetStringValue())
}

func TestWatchWidgetRejectsUnknownWidget(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{apperr.WidgetNotFound("w-404"), codes.NotFound},
		{apperr.InvalidGraph("agg", "unknown transform op"), codes.FailedPrecondition},
	}
	for _, tc := range cases {
		t.Run(string(apperr.KindOf(tc.err)), func(t *testing.T) {
			bus := event.NewBus(4, zap.NewNop().Sugar())
			conn := startServer(t, &fakeReader{err: tc.err}, bus)

			ctx, cancel := context.WithTimeout(withTenant(context.Background()), 5*time.Second)
			defer cancel()
			stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], WatchWidgetMethod)
			require.NoError(t, err)
			require.NoError(t, stream.SendMsg(request(t, map[string]any{"widget_id": "w-404"})))
			require.NoError(t, stream.CloseSend())

			err = stream.RecvMsg(new(structpb.Struct))
			assert.Equal(t, tc.want, status.Code(err))
			assert.Empty(t, bus.Subscribers(tenantA))
		})
	}
}

func TestWatchWidgetOpensOnTransientFailure(t *testing.T) {
	bus := event.NewBus(4, zap.NewNop().Sugar())
	conn := startServer(t, &fakeReader{err: apperr.DataUnavailable("read", context.DeadlineExceeded)}, bus)

	ctx, cancel := context.WithTimeout(withTenant(context.Background()), 5*time.Second)
	defer cancel()
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], WatchWidgetMethod)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(request(t, map[string]any{"widget_id": "w-1"})))
	require.NoError(t, stream.CloseSend())

	require.Eventually(t, func() bool { return len(bus.Subscribers(tenantA)) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHealthIsExemptFromTenant(t *testing.T) {
	conn := startServer(t, &fakeReader{}, event.NewBus(4, zap.NewNop().Sugar()))

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
