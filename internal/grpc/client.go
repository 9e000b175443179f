package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/erg0nix/konverse/internal/core"
)

// Client calls a konverse daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon %s: %w", addr, err)
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// EventStream receives the events of one ProcessTurn call. Recv returns io.EOF after the last event.
type EventStream struct {
	stream grpc.ClientStream
}

func (s *EventStream) Recv() (TurnEvent, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return TurnEvent{}, err
	}

	var event TurnEvent
	if err := decode(msg, &event); err != nil {
		return TurnEvent{}, err
	}
	return event, nil
}

func (c *Client) ProcessTurn(ctx context.Context, sessionID core.SessionID, text string) (*EventStream, error) {
	req, err := encode(ProcessTurnRequest{SessionID: sessionID, Text: text})
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(ctx, &TurnServiceDesc.Streams[0], methodProcessTurn)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &EventStream{stream: stream}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in any, out any) error {
	req, err := encode(in)
	if err != nil {
		return err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return decode(resp, out)
}

func (c *Client) Truncate(ctx context.Context, sessionID core.SessionID, index int) (int, error) {
	var out TruncateResponse
	err := c.invoke(ctx, methodTruncate, TruncateRequest{SessionID: sessionID, Index: index}, &out)
	return out.Removed, err
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (SessionView, error) {
	var out SessionView
	err := c.invoke(ctx, methodCreateSession, req, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, sessionID core.SessionID) (GetSessionResponse, error) {
	var out GetSessionResponse
	err := c.invoke(ctx, methodGetSession, GetSessionRequest{SessionID: sessionID}, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) ([]SessionView, error) {
	var out ListSessionsResponse
	err := c.invoke(ctx, methodListSessions, struct{}{}, &out)
	return out.Sessions, err
}

func (c *Client) SetPinned(ctx context.Context, sessionID core.SessionID, recordID string, pinned bool) error {
	return c.invoke(ctx, methodSetPinned, SetPinnedRequest{SessionID: sessionID, RecordID: recordID, Pinned: pinned}, nil)
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.invoke(ctx, methodStatus, struct{}{}, &out)
	return out, err
}

func (c *Client) Shutdown(ctx context.Context) (string, error) {
	var out ShutdownResponse
	err := c.invoke(ctx, methodShutdown, struct{}{}, &out)
	return out.Message, err
}
