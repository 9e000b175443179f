package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/erg0nix/konverse/internal/session"
	"github.com/erg0nix/konverse/internal/store"
	"github.com/erg0nix/konverse/internal/turn"
)

// TurnHandler serves konverse.v1.TurnService. Status and Shutdown live in daemon_server.go.
type TurnHandler struct {
	Sessions *session.Registry
	Repo     store.Repository
	Daemon   DaemonInfo
}

func (h *TurnHandler) ProcessTurn(req *structpb.Struct, stream TurnEventStream) error {
	var in ProcessTurnRequest
	if err := decode(req, &in); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if in.SessionID == "" {
		return status.Error(codes.InvalidArgument, "session_id required")
	}

	orchestrator, err := h.Sessions.Open(stream.Context(), in.SessionID)
	if err != nil {
		return toStatus(err)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	for event := range orchestrator.ProcessTurn(ctx, in.Text) {
		msg, err := encode(convertEvent(event))
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}

	return nil
}

func convertEvent(event turn.Event) TurnEvent {
	out := TurnEvent{
		Type:      string(event.Type),
		TurnID:    event.TurnID,
		SessionID: event.SessionID,
	}

	switch event.Type {
	case turn.EvtRecorded, turn.EvtCompleted:
		if event.Record != nil {
			view := recordView(*event.Record)
			out.Record = &view
		}
		out.Usage = event.Usage
	case turn.EvtAssembled:
		out.Snapshot = event.Snapshot
	case turn.EvtDelta:
		out.Delta = event.Delta
	case turn.EvtToolUse:
		out.ToolUse = event.ToolUse
	case turn.EvtFailed:
		out.Error = event.Error
	}

	return out
}

func (h *TurnHandler) Truncate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in TruncateRequest
	if err := decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	orchestrator, err := h.Sessions.Open(ctx, in.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}

	removed, err := orchestrator.TruncateAfter(ctx, in.Index)
	if err != nil {
		return nil, toStatus(err)
	}

	return encode(TruncateResponse{Removed: removed})
}

func (h *TurnHandler) CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in CreateSessionRequest
	if err := decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	sess, _, err := h.Sessions.Create(ctx, in.ProjectID, in.Title, in.Metadata)
	if err != nil {
		return nil, toStatus(err)
	}

	return encode(sessionView(sess))
}

func (h *TurnHandler) GetSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in GetSessionRequest
	if err := decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	sess, err := h.Repo.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}

	records, err := h.Repo.GetRecords(ctx, in.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}

	out := GetSessionResponse{Session: sessionView(sess), Records: make([]RecordView, 0, len(records))}
	for _, rec := range records {
		out.Records = append(out.Records, recordView(rec))
	}

	return encode(out)
}

func (h *TurnHandler) ListSessions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sessions, err := h.Repo.ListSessions(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	out := ListSessionsResponse{Sessions: make([]SessionView, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, sessionView(sess))
	}

	return encode(out)
}

func (h *TurnHandler) SetPinned(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SetPinnedRequest
	if err := decode(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := h.Repo.SetPinned(ctx, in.SessionID, in.RecordID, in.Pinned); err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrRecordNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, turn.ErrIndexOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
