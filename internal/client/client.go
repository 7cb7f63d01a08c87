package client

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/chatlink/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a chatlinkd DeliveryService.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	return Dial("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Dial connects to target with explicit options.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	var in proto.Message = &emptypb.Empty{}
	if req != nil {
		s, err := structpb.NewStruct(req)
		if err != nil {
			return nil, err
		}
		in = s
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Connect opens the daemon's server connection. An empty token uses the
// profile's configured one.
func (c *Client) Connect(ctx context.Context, token string) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodConnect, map[string]any{"token": token})
}

// Disconnect closes the server connection on purpose.
func (c *Client) Disconnect(ctx context.Context, reason string) error {
	in, err := structpb.NewStruct(map[string]any{"reason": reason})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, api.FullMethod(api.MethodDisconnect), in, &emptypb.Empty{})
}

// Status returns connection and queue state.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodGetStatus, nil)
}

// Message is an outbound message request.
type Message struct {
	Type          string
	ChatID        string
	ReceiverID    string
	ContentType   string
	Detail        string
	Announcement  bool
	MentionedUIDs []string
	QuoteMsgID    string
}

// Send queues a message and returns its optimistic timeline entry.
func (c *Client) Send(ctx context.Context, m Message) (*structpb.Struct, error) {
	req := map[string]any{
		"type":         m.Type,
		"chat_id":      m.ChatID,
		"receiver_id":  m.ReceiverID,
		"content_type": m.ContentType,
		"detail":       m.Detail,
	}
	if m.Announcement {
		req["is_announcement"] = true
	}
	if len(m.MentionedUIDs) > 0 {
		req["mentioned_uids"] = anyList(m.MentionedUIDs)
	}
	if m.QuoteMsgID != "" {
		req["quote_msg_id"] = m.QuoteMsgID
	}
	return c.call(ctx, api.MethodSendMessage, req)
}

// Retry re-sends a failed message.
func (c *Client) Retry(ctx context.Context, chatID, msgID string) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodRetryMessage, map[string]any{"chat_id": chatID, "message_id": msgID})
}

// Timeline lists a conversation in timestamp order.
func (c *Client) Timeline(ctx context.Context, chatID string) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodListTimeline, map[string]any{"chat_id": chatID})
}

// Conversations lists conversations with entries.
func (c *Client) Conversations(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodListConversations, nil)
}

// Pending lists messages awaiting an ack.
func (c *Client) Pending(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodListPending, nil)
}

// LoadHistory merges a page of archived history into a conversation.
func (c *Client) LoadHistory(ctx context.Context, chatID string, before int64, limit int) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodLoadHistory, map[string]any{"chat_id": chatID, "before": before, "limit": limit})
}

// MarkRead marks messages read and sends a receipt.
func (c *Client) MarkRead(ctx context.Context, chatID string, ids []string) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodMarkRead, map[string]any{"chat_id": chatID, "message_ids": anyList(ids)})
}

// ClearConversation drops a conversation and its pending messages.
func (c *Client) ClearConversation(ctx context.Context, chatID string) (*structpb.Struct, error) {
	return c.call(ctx, api.MethodClearConversation, map[string]any{"chat_id": chatID})
}

// Watch streams daemon events under namespace to fn until ctx ends, the
// stream closes or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := &structpb.Struct{}
		if err := stream.RecvMsg(evt); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
