package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.TurnStarted()
	m.TurnFinished(OutcomeCompleted, 150*time.Millisecond)
	m.TurnStarted()
	m.TurnFinished(OutcomeFailed, time.Second)
	m.AddTokens(DirectionPrompt, 120)
	m.AddTokens(DirectionCompletion, 0)
	m.ToolCall()
	m.RecordsTruncated(3)

	body := scrape(t, m)

	for _, want := range []string{
		`konverse_turns_total{outcome="completed"} 1`,
		`konverse_turns_total{outcome="failed"} 1`,
		`konverse_tokens_total{direction="prompt"} 120`,
		`konverse_tool_calls_total 1`,
		`konverse_truncated_records_total 3`,
		`konverse_active_turns 0`,
		`konverse_turn_duration_seconds_count 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	if strings.Contains(body, `direction="completion"`) {
		t.Error("zero token counts should not create a series")
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	m.TurnStarted()
	m.TurnFinished(OutcomeEmpty, time.Millisecond)
	m.AddTokens(DirectionInput, 5)
	m.ToolCall()
	m.RecordsTruncated(1)

	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
