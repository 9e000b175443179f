package grpc

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/erg0nix/konverse/internal/config"
	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/embedding"
	"github.com/erg0nix/konverse/internal/provider"
	"github.com/erg0nix/konverse/internal/record"
	"github.com/erg0nix/konverse/internal/session"
	"github.com/erg0nix/konverse/internal/store"
	"github.com/erg0nix/konverse/internal/turn"
)

type scriptedProvider struct {
	chunks []provider.StreamChunk
}

func (p *scriptedProvider) ID() string    { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-model" }

func (p *scriptedProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true}
}

func (p *scriptedProvider) Complete(context.Context, conversation.Context, *provider.Options) (*provider.ChunkStream, error) {
	return provider.NewStaticStream(p.chunks...), nil
}

func (p *scriptedProvider) CountTokens(_ context.Context, text string) (int, error) {
	return len(text), nil
}

func (p *scriptedProvider) TranslateRecordKind(kind record.Kind) core.Role {
	return provider.RoleFor(kind)
}

type fixedProbe struct{ err error }

func (p fixedProbe) Probe(context.Context) error { return p.err }

func startServer(t *testing.T, chunks ...provider.StreamChunk) (*Client, store.Repository, chan struct{}) {
	t.Helper()

	repo := store.NewMemory()
	p := &scriptedProvider{chunks: chunks}
	registry := session.NewRegistry(repo, func(sessionID core.SessionID) *turn.Orchestrator {
		return turn.New(sessionID, repo, embedding.NewHashEmbedder(16), p, turn.Config{ContextSize: 1000})
	})

	stopped := make(chan struct{}, 1)
	cfg := config.Default()
	cfg.Bind = "bufnet"

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterTurnServiceServer(server, &TurnHandler{
		Sessions: registry,
		Repo:     repo,
		Daemon: DaemonInfo{
			Config:    cfg,
			Endpoint:  fixedProbe{},
			StartTime: time.Now().Add(-time.Minute),
			StopFunc:  func() { stopped <- struct{}{} },
		},
	})
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client, repo, stopped
}

func TestProcessTurn_StreamsEvents(t *testing.T) {
	client, repo, _ := startServer(t,
		provider.StreamChunk{ContentDelta: "Hi "},
		provider.StreamChunk{ContentDelta: "there"},
		provider.StreamChunk{Done: true, Usage: &core.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	)
	ctx := context.Background()

	sess, err := client.CreateSession(ctx, CreateSessionRequest{Title: "chat"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	stream, err := client.ProcessTurn(ctx, sess.ID, "hello")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}

	var events []TurnEvent
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		events = append(events, event)
	}

	want := []string{"recorded", "assembled", "delta", "delta", "completed"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, eventType := range want {
		if events[i].Type != eventType {
			t.Errorf("event %d: expected %s, got %s", i, eventType, events[i].Type)
		}
	}

	if events[1].Snapshot == nil || events[1].Snapshot.IncludedCount != 1 {
		t.Errorf("expected snapshot with one included item, got %+v", events[1].Snapshot)
	}

	completed := events[len(events)-1]
	if completed.Record == nil || completed.Record.Text != "Hi there" {
		t.Fatalf("expected response record, got %+v", completed.Record)
	}
	if completed.Usage == nil || completed.Usage.TotalTokens != 5 {
		t.Errorf("expected usage, got %+v", completed.Usage)
	}

	records, err := repo.GetRecords(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestProcessTurn_UnknownSession(t *testing.T) {
	client, _, _ := startServer(t, provider.StreamChunk{Done: true})

	stream, err := client.ProcessTurn(context.Background(), "sess_missing", "hello")
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}

	_, err = stream.Recv()
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTruncateAndGetSession(t *testing.T) {
	client, repo, _ := startServer(t, provider.StreamChunk{Done: true})
	ctx := context.Background()

	sess, err := client.CreateSession(ctx, CreateSessionRequest{ProjectID: "proj", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"a", "b", "c"} {
		if _, err := repo.AddRecord(ctx, sess.ID, record.Record{Payload: record.UserInput{Text: text}}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := client.Truncate(ctx, sess.ID, 3); status.Code(err) != codes.OutOfRange {
		t.Fatalf("expected OutOfRange, got %v", err)
	}

	removed, err := client.Truncate(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	got, err := client.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Session.ProjectID != "proj" {
		t.Errorf("expected project proj, got %q", got.Session.ProjectID)
	}
	if len(got.Records) != 1 || got.Records[0].Text != "a" {
		t.Fatalf("expected only record a, got %+v", got.Records)
	}

	if err := client.SetPinned(ctx, sess.ID, got.Records[0].ID, true); err != nil {
		t.Fatalf("set pinned: %v", err)
	}
	got, err = client.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Records[0].Pinned {
		t.Error("expected record to be pinned")
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sess.ID {
		t.Fatalf("expected one session, got %+v", sessions)
	}
}

func TestStatusAndShutdown(t *testing.T) {
	client, _, stopped := startServer(t, provider.StreamChunk{Done: true})
	ctx := context.Background()

	resp, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Bind != "bufnet" {
		t.Errorf("expected bind bufnet, got %q", resp.Bind)
	}
	if !resp.ProviderHealthy {
		t.Error("expected healthy provider")
	}
	if resp.UptimeSeconds < 60 {
		t.Errorf("expected uptime of at least a minute, got %d", resp.UptimeSeconds)
	}

	message, err := client.Shutdown(ctx)
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if message != "shutting down" {
		t.Errorf("unexpected message %q", message)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop func was not called")
	}
}
