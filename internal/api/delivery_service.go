package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/conn"
	"github.com/matheus3301/chatlink/internal/delivery"
	"github.com/matheus3301/chatlink/internal/sched"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	watchBuffer         = 64
)

// DeliveryService implements DeliveryServer on top of a delivery.Service.
type DeliveryService struct {
	svc    *delivery.Service
	bus    *bus.Bus
	token  string
	logger *zap.Logger
}

// NewDeliveryService creates the gRPC facade. token is used by Connect
// requests that do not carry one.
func NewDeliveryService(svc *delivery.Service, b *bus.Bus, token string, logger *zap.Logger) *DeliveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryService{svc: svc, bus: b, token: token, logger: logger}
}

func (s *DeliveryService) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := str(req, "token")
	if token == "" {
		token = s.token
	}
	if err := s.svc.Connect(ctx, token); err != nil {
		return nil, toStatus("connect", err)
	}
	return s.GetStatus(ctx, nil)
}

func (s *DeliveryService) Disconnect(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	reason := str(req, "reason")
	if reason == "" {
		reason = "client request"
	}
	if err := s.svc.Disconnect(ctx, reason); err != nil {
		return nil, toStatus("disconnect", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *DeliveryService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	return statusStruct(st)
}

func (s *DeliveryService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rec, err := s.svc.Send(ctx, draftFromStruct(req))
	if err != nil {
		return nil, toStatus("send", err)
	}
	return recordStruct(rec)
}

func (s *DeliveryService) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rec, err := s.svc.Retry(ctx, str(req, "chat_id"), str(req, "message_id"))
	if err != nil {
		return nil, toStatus("retry", err)
	}
	return recordStruct(rec)
}

func (s *DeliveryService) ListTimeline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID := str(req, "chat_id")
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	recs, err := s.svc.Timeline(ctx, chatID)
	if err != nil {
		return nil, toStatus("list timeline", err)
	}
	return recordsStruct("messages", recs)
}

func (s *DeliveryService) ListConversations(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	ids, err := s.svc.Conversations(ctx)
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	return structpb.NewStruct(map[string]any{"chat_ids": list(ids)})
}

func (s *DeliveryService) ListPending(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	recs, err := s.svc.Pending(ctx)
	if err != nil {
		return nil, toStatus("list pending", err)
	}
	return recordsStruct("messages", recs)
}

func (s *DeliveryService) LoadHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID := str(req, "chat_id")
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	limit := int(num(req, "limit"))
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	added, err := s.svc.LoadHistory(ctx, chatID, num(req, "before"), limit)
	if err != nil {
		return nil, toStatus("load history", err)
	}
	return structpb.NewStruct(map[string]any{"added": added})
}

func (s *DeliveryService) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.svc.MarkRead(ctx, str(req, "chat_id"), strs(req, "message_ids"))
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return structpb.NewStruct(map[string]any{"marked": n})
}

func (s *DeliveryService) ClearConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.svc.ClearConversation(ctx, str(req, "chat_id"))
	if err != nil {
		return nil, toStatus("clear conversation", err)
	}
	return structpb.NewStruct(map[string]any{"cleared": n})
}

// WatchEvents streams bus events whose kind starts with the request's
// "namespace" ("conn.", "message.", or empty for everything).
func (s *DeliveryService) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(str(req, "namespace"), watchBuffer)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := eventStruct(evt)
			if err != nil {
				s.logger.Warn("dropping event", zap.String("kind", string(evt.Kind())), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	fields, err := eventFields(evt.Payload)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"event_id":            uuid.NewString(),
		"kind":                string(evt.Kind()),
		"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
		"payload":             fields,
	})
}

func toStatus(op string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	case errors.Is(err, delivery.ErrInvalidMessage):
		code = codes.InvalidArgument
	case errors.Is(err, delivery.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, delivery.ErrNotRetriable):
		code = codes.FailedPrecondition
	case errors.Is(err, conn.ErrConnectTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, conn.ErrSuperseded):
		code = codes.Aborted
	case errors.Is(err, conn.ErrClosedBeforeOpen), errors.Is(err, conn.ErrDisconnected),
		errors.Is(err, conn.ErrNotConnected), errors.Is(err, sched.ErrLoopStopped):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

var _ DeliveryServer = (*DeliveryService)(nil)
