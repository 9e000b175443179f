// Package turn runs conversation turns for one session: record the input, assemble a bounded
// context, stream the completion, and persist the response.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/erg0nix/konverse/internal/budget"
	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/embedding"
	"github.com/erg0nix/konverse/internal/metrics"
	"github.com/erg0nix/konverse/internal/provider"
	"github.com/erg0nix/konverse/internal/record"
	"github.com/erg0nix/konverse/internal/store"
)

var ErrIndexOutOfRange = errors.New("record index out of range")

type KnowledgeConfig struct {
	Enabled  bool
	TopK     int
	MinScore float64
}

// Config controls how a turn assembles and requests its completion.
type Config struct {
	ContextSize     int
	ResponseReserve int
	SystemPrompt    string
	Model           string
	Sampling        *core.SamplingConfig
	Tools           []core.ToolDef
	Knowledge       KnowledgeConfig
}

// Orchestrator owns the turn state machine of one session. ProcessTurn and TruncateAfter are
// serialized; a second call waits until the first one has finished.
type Orchestrator struct {
	sessionID core.SessionID
	repo      store.Repository
	embedder  embedding.Embedder
	provider  provider.Provider
	config    Config

	metrics    *metrics.Metrics
	contextLog *conversation.ContextLog
	logger     *slog.Logger

	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithContextLog writes a snapshot of every assembled context to log.
func WithContextLog(log *conversation.ContextLog) Option {
	return func(o *Orchestrator) { o.contextLog = log }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an idle orchestrator for sessionID.
func New(
	sessionID core.SessionID,
	repo store.Repository,
	embedder embedding.Embedder,
	completionProvider provider.Provider,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		sessionID: sessionID,
		repo:      repo,
		embedder:  embedder,
		provider:  completionProvider,
		config:    cfg,
		logger:    slog.Default(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) SessionID() core.SessionID {
	return o.sessionID
}

func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.stateMu.Lock()
	o.state = state
	o.stateMu.Unlock()
}

// ProcessTurn starts a turn in a goroutine and returns its event channel. The channel is closed
// after the final EvtCompleted or EvtFailed. Cancelling ctx aborts the turn and releases the
// completion stream.
func (o *Orchestrator) ProcessTurn(ctx context.Context, text string) <-chan Event {
	eventChannel := make(chan Event, 32)

	go o.loop(ctx, text, eventChannel)

	return eventChannel
}

type turnRun struct {
	ctx       context.Context
	id        core.TurnID
	sessionID core.SessionID
	events    chan<- Event
}

func (r *turnRun) emit(ev Event) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	ev.TurnID = r.id
	ev.SessionID = r.sessionID

	select {
	case r.events <- ev:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// emitFinal delivers the closing event even after cancellation when the buffer has room.
func (r *turnRun) emitFinal(ev Event) {
	ev.TurnID = r.id
	ev.SessionID = r.sessionID

	select {
	case r.events <- ev:
	default:
		select {
		case r.events <- ev:
		case <-r.ctx.Done():
		}
	}
}

type turnResult struct {
	response *record.Record
	usage    *core.Usage
}

func (o *Orchestrator) loop(ctx context.Context, text string, eventChannel chan<- Event) {
	defer close(eventChannel)

	o.mu.Lock()
	defer o.mu.Unlock()

	run := &turnRun{ctx: ctx, id: core.NewTurnID(), sessionID: o.sessionID, events: eventChannel}
	started := time.Now()
	o.metrics.TurnStarted()

	result, err := o.execute(run, text)
	if err != nil {
		o.setState(StateFailed)
		o.metrics.TurnFinished(metrics.OutcomeFailed, time.Since(started))
		o.logger.Error("turn failed", "session_id", o.sessionID, "turn_id", run.id, "error", err)
		run.emitFinal(Event{Type: EvtFailed, Error: err.Error()})
		return
	}

	outcome := metrics.OutcomeCompleted
	if result.response == nil {
		outcome = metrics.OutcomeEmpty
	}
	o.metrics.TurnFinished(outcome, time.Since(started))
	o.setState(StateIdle)

	run.emitFinal(Event{Type: EvtCompleted, Record: result.response, Usage: result.usage})
}

func (o *Orchestrator) execute(run *turnRun, text string) (turnResult, error) {
	ctx := run.ctx

	o.setState(StateRecording)
	userRecord, err := o.persist(ctx, record.UserInput{Text: text})
	if err != nil {
		return turnResult{}, fmt.Errorf("record user input: %w", err)
	}
	o.metrics.AddTokens(metrics.DirectionInput, userRecord.TokenCount)
	if err := run.emit(Event{Type: EvtRecorded, Record: &userRecord}); err != nil {
		return turnResult{}, err
	}

	o.setState(StateAssembling)
	conv, err := o.assemble(ctx, userRecord.Embedding)
	if err != nil {
		return turnResult{}, err
	}
	snapshot := conv.Snapshot()
	o.writeContextLog(run.id, snapshot)
	o.metrics.AddTokens(metrics.DirectionPrompt, conv.Budget.Used()+conv.Budget.Reservation(budget.SlotSystem))
	if err := run.emit(Event{Type: EvtAssembled, Context: &conv, Snapshot: &snapshot}); err != nil {
		return turnResult{}, err
	}

	o.setState(StateStreaming)
	streamed, err := o.stream(run, conv)
	if err != nil {
		return turnResult{}, err
	}

	o.setState(StatePersisting)
	result := turnResult{usage: streamed.usage}
	if streamed.usage != nil {
		o.metrics.AddTokens(metrics.DirectionCompletion, streamed.usage.CompletionTokens)
	}

	if streamed.content == "" {
		o.logger.Debug("completion produced no content", "session_id", o.sessionID, "turn_id", run.id)
	} else {
		response, err := o.persist(ctx, record.AgentResponse{
			Text:       streamed.content,
			ProviderID: o.provider.ID(),
			ModelID:    o.modelID(),
			Status:     record.StatusComplete,
			Usage:      streamed.usage,
		})
		if err != nil {
			return turnResult{}, fmt.Errorf("record agent response: %w", err)
		}
		result.response = &response
	}

	// Tool requests follow the text that preceded them in the stream.
	for _, use := range streamed.toolUses {
		if _, err := o.persist(ctx, record.ToolInvocationRequest{ToolUseID: use.ID, Name: use.Name, Input: use.Input}); err != nil {
			return turnResult{}, fmt.Errorf("record tool request %s: %w", use.ID, err)
		}
	}

	return result, nil
}

func (o *Orchestrator) modelID() string {
	if o.config.Model != "" {
		return o.config.Model
	}
	return o.provider.Model()
}

func (o *Orchestrator) assemble(ctx context.Context, vector []float64) (conversation.Context, error) {
	records, err := o.repo.GetRecords(ctx, o.sessionID)
	if err != nil {
		return conversation.Context{}, fmt.Errorf("load records: %w", err)
	}

	opts := conversation.Options{
		MaxTokens:    o.config.ContextSize,
		SystemPrompt: o.config.SystemPrompt,
	}
	if o.config.ResponseReserve > 0 {
		opts.Reservations = map[string]int{budget.SlotResponse: o.config.ResponseReserve}
	}

	if !o.config.Knowledge.Enabled {
		return conversation.Assemble(records, opts), nil
	}

	knowledge, err := o.repo.Search(ctx, "", vector, store.SearchOptions{
		TopK:     o.config.Knowledge.TopK,
		MinScore: o.config.Knowledge.MinScore,
		Kinds:    []record.Kind{record.KindKnowledgeReference},
	})
	if err != nil {
		return conversation.Context{}, fmt.Errorf("search knowledge: %w", err)
	}

	return conversation.AssembleWithKnowledge(records, knowledge, opts), nil
}

type streamResult struct {
	content  string
	toolUses []core.ToolUse
	usage    *core.Usage
}

func (o *Orchestrator) stream(run *turnRun, conv conversation.Context) (streamResult, error) {
	stream, err := o.provider.Complete(run.ctx, conv, &provider.Options{
		Model:    o.config.Model,
		Tools:    o.config.Tools,
		Sampling: o.config.Sampling,
	})
	if err != nil {
		return streamResult{}, fmt.Errorf("start completion: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	var result streamResult

	discard := func(err error) (streamResult, error) {
		if content.Len() > 0 {
			o.logger.Warn("discarding partial response", "session_id", o.sessionID, "turn_id", run.id, "discarded_bytes", content.Len())
		}
		return streamResult{}, err
	}

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return discard(fmt.Errorf("read completion: %w", err))
		}

		if chunk.ContentDelta != "" {
			content.WriteString(chunk.ContentDelta)
			if err := run.emit(Event{Type: EvtDelta, Delta: chunk.ContentDelta}); err != nil {
				return discard(err)
			}
		}

		if chunk.ToolUse != nil {
			use := *chunk.ToolUse
			result.toolUses = append(result.toolUses, use)
			o.metrics.ToolCall()
			if err := run.emit(Event{Type: EvtToolUse, ToolUse: &use}); err != nil {
				return discard(err)
			}
		}

		if chunk.Usage != nil {
			usage := *chunk.Usage
			result.usage = &usage
		}

		if chunk.Done {
			break
		}
	}

	result.content = content.String()
	return result, nil
}

// persist embeds and counts the payload text, then appends the record to the session.
func (o *Orchestrator) persist(ctx context.Context, payload record.Payload) (record.Record, error) {
	text := record.Record{Payload: payload}.Text()

	vector, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return record.Record{}, fmt.Errorf("embed: %w", err)
	}

	rec := record.Record{
		TokenCount: o.countTokens(ctx, text),
		Embedding:  vector,
		Payload:    payload,
	}

	return o.repo.AddRecord(ctx, o.sessionID, rec)
}

// countTokens asks the provider and falls back to the character heuristic on error or panic.
func (o *Orchestrator) countTokens(ctx context.Context, text string) (count int) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("token counter panicked", "session_id", o.sessionID, "panic", r)
			count = budget.Estimate(text)
		}
	}()

	count, err := o.provider.CountTokens(ctx, text)
	if err != nil {
		o.logger.Warn("failed to count tokens", "session_id", o.sessionID, "error", err)
		return budget.Estimate(text)
	}

	return count
}

func (o *Orchestrator) writeContextLog(turnID core.TurnID, snapshot conversation.Snapshot) {
	if o.contextLog == nil {
		return
	}
	if err := o.contextLog.Write(turnID, o.sessionID, snapshot); err != nil {
		o.logger.Warn("failed to write context log", "turn_id", turnID, "error", err)
	}
}

// TruncateAfter removes every record after position index of the session's ordered records and
// returns how many were removed. Truncating at the last index is a no-op.
func (o *Orchestrator) TruncateAfter(ctx context.Context, index int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	records, err := o.repo.GetRecords(ctx, o.sessionID)
	if err != nil {
		return 0, fmt.Errorf("load records: %w", err)
	}

	if index < 0 || index >= len(records) {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(records))
	}

	removed := len(records) - index - 1
	if removed == 0 {
		return 0, nil
	}

	deleted, err := o.repo.DeleteRecordsAfter(ctx, o.sessionID, records[index].Timestamp)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	if deleted != removed {
		o.logger.Warn("truncation removed unexpected record count", "session_id", o.sessionID, "expected", removed, "deleted", deleted)
	}
	o.metrics.RecordsTruncated(deleted)

	return removed, nil
}
