package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/event"
	"github.com/Frowell/Flowforge-sub002/internal/query"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
	"github.com/Frowell/Flowforge-sub002/internal/widget"
)

// WidgetReader serves widget data.
type WidgetReader interface {
	GetWidgetData(ctx context.Context, widgetID string, opts widget.ReadOptions) (*widget.Data, error)
}

// WidgetServer implements flowforge.widget.v1.WidgetService. Messages are
// google.protobuf.Struct so the service needs no generated code.
type WidgetServer struct {
	widgets WidgetReader
	bus     *event.Bus
	logger  *zap.SugaredLogger
}

// NewWidgetServer creates a new gRPC server
func NewWidgetServer(widgets WidgetReader, bus *event.Bus, logger *zap.SugaredLogger) *WidgetServer {
	return &WidgetServer{widgets: widgets, bus: bus, logger: logger}
}

// Register registers the service with a gRPC server
func (s *WidgetServer) Register(server *grpclib.Server) {
	server.RegisterService(&ServiceDesc, s)
}

// ─── Widget Data ───

// GetWidgetData expects {"widget_id": ..., "from"?: RFC3339, "to"?: RFC3339}.
func (s *WidgetServer) GetWidgetData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	widgetID := fields["widget_id"].GetStringValue()
	if widgetID == "" {
		return nil, status.Error(codes.InvalidArgument, "widget_id is required")
	}
	opts, err := readOptions(fields)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	data, err := s.widgets.GetWidgetData(ctx, widgetID, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := toStruct(data)
	if err != nil {
		s.logger.Errorw("Failed to encode widget data", "widget_id", widgetID, "error", err)
		return nil, status.Error(codes.Internal, "encode widget data")
	}
	return resp, nil
}

func readOptions(fields map[string]*structpb.Value) (widget.ReadOptions, error) {
	rawFrom, rawTo := fields["from"].GetStringValue(), fields["to"].GetStringValue()
	if rawFrom == "" && rawTo == "" {
		return widget.ReadOptions{}, nil
	}
	from, err := time.Parse(time.RFC3339, rawFrom)
	if err != nil {
		return widget.ReadOptions{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, rawTo)
	if err != nil {
		return widget.ReadOptions{}, fmt.Errorf("invalid to: %w", err)
	}
	if !to.After(from) {
		return widget.ReadOptions{}, fmt.Errorf("to must be after from")
	}
	return widget.ReadOptions{Range: &query.TimeRange{From: from, To: to}}, nil
}

// toStruct goes through JSON so rows, timestamps and enums render the same
// as on the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// ─── Event Stream ───

// WatchWidget streams refresh events for one widget until the client leaves.
func (s *WidgetServer) WatchWidget(req *structpb.Struct, stream grpclib.ServerStream) error {
	ctx := stream.Context()
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return toStatus(apperr.IsolationViolation("grpc.WatchWidget", "no tenant bound to context"))
	}
	widgetID := req.GetFields()["widget_id"].GetStringValue()
	if widgetID == "" {
		return status.Error(codes.InvalidArgument, "widget_id is required")
	}

	// Unknown or unbuildable widgets are refused before subscribing. A
	// transient data failure still opens the stream.
	if _, err := s.widgets.GetWidgetData(ctx, widgetID, widget.ReadOptions{}); err != nil &&
		apperr.KindOf(err) != apperr.KindDataUnavailable && !apperr.Retryable(err) {
		s.logger.Warnw("WatchWidget refused", "tenant_id", tenantID, "widget_id", widgetID, "error", err)
		return toStatus(err)
	}

	sub := s.bus.Subscribe(tenantID, widgetID)
	defer sub.Close()
	s.logger.Infow("WatchWidget started", "tenant_id", tenantID, "widget_id", widgetID)

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("WatchWidget closed", "widget_id", widgetID)
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(map[string]any{
				"type":      "refresh",
				"widget_id": evt.WidgetID,
				"reason":    evt.Reason,
				"timestamp": float64(evt.Timestamp),
			})
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				s.logger.Warnw("Failed to send event", "error", err)
				return err
			}
		}
	}
}

// ─── Errors ───

func toStatus(err error) error {
	code := codes.Internal
	switch kind := apperr.KindOf(err); kind {
	case apperr.KindGraphCycle, apperr.KindUnresolvedField, apperr.KindIncompatibleType,
		apperr.KindInvalidGraph, apperr.KindKPIReduction, apperr.KindDanglingReference:
		code = codes.FailedPrecondition
	case apperr.KindWidgetNotFound, apperr.KindSchemaNotFound:
		code = codes.NotFound
	case apperr.KindIsolationViolation:
		return status.Error(codes.PermissionDenied, "permission denied")
	case apperr.KindExecutionTimeout:
		code = codes.DeadlineExceeded
	case apperr.KindStoreUnavailable, apperr.KindDataUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}
