package conversation

import (
	"github.com/erg0nix/konverse/internal/budget"
	"github.com/erg0nix/konverse/internal/record"
)

// Snapshot captures the token and item breakdown of an assembled context.
type Snapshot struct {
	ContextSize     int         `json:"context_size"`
	SystemTokens    int         `json:"system_tokens"`
	ReservedTokens  int         `json:"reserved_tokens"`
	KnowledgeTokens int         `json:"knowledge_tokens"`
	HistoryTokens   int         `json:"history_tokens"`
	TotalTokens     int         `json:"total_tokens"`
	RemainingTokens int         `json:"remaining_tokens"`
	IncludedCount   int         `json:"included_count"`
	FilteredCount   int         `json:"filtered_count"`
	KnowledgeCount  int         `json:"knowledge_count"`
	Items           []ItemStats `json:"items,omitempty"`
}

// ItemStats holds token count and source metadata for a single context item.
type ItemStats struct {
	Kind     record.Kind `json:"kind"`
	Tokens   int         `json:"tokens"`
	Priority Priority    `json:"priority"`
	Source   string      `json:"source"`
}

// Snapshot summarizes the context for logs and progress events.
func (c Context) Snapshot() Snapshot {
	knowledgeTokens := 0
	historyTokens := 0
	items := make([]ItemStats, 0, len(c.Items))

	// Knowledge entries always lead the item list.
	for i, item := range c.Items {
		source := "history"
		if i < c.Metadata.KnowledgeCount {
			source = "knowledge"
			knowledgeTokens += item.TokenCount
		} else {
			historyTokens += item.TokenCount
		}
		items = append(items, ItemStats{Kind: item.Kind, Tokens: item.TokenCount, Priority: item.Priority, Source: source})
	}

	systemTokens := c.Budget.Reservation(budget.SlotSystem)
	totalTokens := systemTokens + knowledgeTokens + historyTokens

	return Snapshot{
		ContextSize:     c.Budget.Total(),
		SystemTokens:    systemTokens,
		ReservedTokens:  c.Budget.ReservedTotal(),
		KnowledgeTokens: knowledgeTokens,
		HistoryTokens:   historyTokens,
		TotalTokens:     totalTokens,
		RemainingTokens: c.Budget.Available(),
		IncludedCount:   c.Metadata.IncludedCount,
		FilteredCount:   c.Metadata.FilteredCount,
		KnowledgeCount:  c.Metadata.KnowledgeCount,
		Items:           items,
	}
}
