package conversation

import (
	"fmt"
	"time"

	"github.com/erg0nix/konverse/internal/budget"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// Options controls a single assembly.
type Options struct {
	MaxTokens    int
	Reservations map[string]int
	SystemPrompt string
	// Now stamps Metadata.AssembledAt; zero means time.Now().
	Now time.Time
}

// Assemble selects the most recent records that fit the budget. Records must be in chronological
// order. Pinned records claim budget first, newest first; the remaining records fill what is left.
// Items that do not fit are skipped and the walk continues, so an older small record can still be
// included after a newer large one was rejected. Output stays chronological.
func Assemble(records []record.Record, opts Options) Context {
	return assemble(records, nil, opts)
}

// AssembleWithKnowledge reserves room for the knowledge entries, places all of them first at high
// priority, and fills the remaining budget from records.
func AssembleWithKnowledge(records []record.Record, knowledge []record.Record, opts Options) Context {
	return assemble(records, knowledge, opts)
}

func assemble(records []record.Record, knowledge []record.Record, opts Options) Context {
	reservations := make(map[string]int, len(opts.Reservations)+2)
	for slot, n := range opts.Reservations {
		reservations[slot] = n
	}

	if _, ok := reservations[budget.SlotSystem]; !ok {
		reservations[budget.SlotSystem] = budget.Estimate(opts.SystemPrompt)
	}

	knowledgeItems := make([]Item, 0, len(knowledge))
	knowledgeIDs := make(map[string]struct{}, len(knowledge))
	knowledgeTokens := 0
	for _, entry := range knowledge {
		item := project(entry)
		item.TokenCount = budget.Estimate(item.Content)
		item.Priority = PriorityHigh
		knowledgeItems = append(knowledgeItems, item)
		knowledgeIDs[entry.ID] = struct{}{}
		knowledgeTokens += item.TokenCount
	}
	if len(knowledge) > 0 {
		reservations[budget.SlotKnowledge] += knowledgeTokens
	}

	tokenBudget := budget.New(budget.Params{Total: opts.MaxTokens, Reserved: reservations})

	candidates := make([]Item, 0, len(records))
	for _, rec := range records {
		if _, dup := knowledgeIDs[rec.ID]; dup {
			continue
		}
		candidates = append(candidates, project(rec))
	}

	accepted := make([]bool, len(candidates))
	runningTotal := 0
	includedCount := 0
	accept := func(pinned bool) {
		for i := len(candidates) - 1; i >= 0; i-- {
			if accepted[i] || (candidates[i].Priority == PriorityHigh) != pinned {
				continue
			}
			if runningTotal+candidates[i].TokenCount <= tokenBudget.Available() {
				accepted[i] = true
				runningTotal += candidates[i].TokenCount
				includedCount++
			}
		}
	}
	accept(true)
	accept(false)

	items := make([]Item, 0, len(knowledgeItems)+includedCount)
	items = append(items, knowledgeItems...)
	for i, item := range candidates {
		if accepted[i] {
			items = append(items, item)
		}
	}

	assembledAt := opts.Now
	if assembledAt.IsZero() {
		assembledAt = time.Now()
	}

	return Context{
		SystemPrompt: opts.SystemPrompt,
		Items:        items,
		Budget:       tokenBudget.Consume(runningTotal),
		Metadata: Metadata{
			IncludedCount:  len(items),
			FilteredCount:  len(candidates) - includedCount,
			KnowledgeCount: len(knowledgeItems),
			AssembledAt:    assembledAt,
		},
	}
}

func project(rec record.Record) Item {
	item := Item{
		ID:         rec.ID,
		Kind:       rec.Kind(),
		TokenCount: rec.TokenCount,
		Priority:   PriorityMedium,
		SourceRef:  rec.ID,
	}
	if rec.Pinned {
		item.Priority = PriorityHigh
	}

	switch p := rec.Payload.(type) {
	case record.UserInput:
		item.Content = p.Text
	case record.AgentResponse:
		item.Content = p.Text
	case record.SystemInstruction:
		item.Content = p.Text
	case record.KnowledgeReference:
		item.Content = p.Text
		if p.Source != "" {
			item.SourceRef = p.Source
		}
	case record.ToolInvocationRequest:
		input := jsonOrDefault(p.Input, "{}")
		item.Content = fmt.Sprintf("[Tool Call: %s] %s", p.Name, input)
		item.ToolCall = &core.ToolUse{ID: p.ToolUseID, Name: p.Name, Input: []byte(input)}
	case record.ToolInvocationResult:
		output := jsonOrDefault(p.Output, "null")
		item.Content = "[Tool Result] " + output
		item.ToolResult = &ToolResultRef{ToolUseID: p.ToolUseID, Output: []byte(output), IsError: p.IsError}
	}

	if item.TokenCount <= 0 && item.Content != "" {
		item.TokenCount = budget.Estimate(item.Content)
	}

	return item
}

func jsonOrDefault(raw []byte, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}
