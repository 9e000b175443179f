// Package budget tracks how a model's context window is split between consumed tokens and
// named reservations.
package budget

import "maps"

// Reservation slots used by the assembler and the orchestrator.
const (
	SlotSystem    = "system"
	SlotResponse  = "response"
	SlotKnowledge = "knowledge"
)

// Params describes a budget to create. Used and Reserved may be zero.
type Params struct {
	Total    int
	Used     int
	Reserved map[string]int
}

// Budget is an immutable token budget. Every consumption returns a new value.
type Budget struct {
	total     int
	used      int
	reserved  map[string]int
	available int
}

// New creates a Budget. Availability below zero is clamped to zero; overflow never errors.
func New(params Params) Budget {
	reserved := make(map[string]int, len(params.Reserved))
	maps.Copy(reserved, params.Reserved)

	b := Budget{
		total:    params.Total,
		used:     params.Used,
		reserved: reserved,
	}
	b.available = max(0, b.total-b.used-b.ReservedTotal())

	return b
}

// Consume returns a copy of the budget with n more tokens used.
func (b Budget) Consume(n int) Budget {
	return New(Params{Total: b.total, Used: b.used + n, Reserved: b.reserved})
}

func (b Budget) Total() int { return b.total }

func (b Budget) Used() int { return b.used }

func (b Budget) Available() int { return b.available }

// Reservation returns the tokens reserved under slot, or 0.
func (b Budget) Reservation(slot string) int {
	return b.reserved[slot]
}

// Reserved returns a copy of the reservation map.
func (b Budget) Reserved() map[string]int {
	out := make(map[string]int, len(b.reserved))
	maps.Copy(out, b.reserved)
	return out
}

// ReservedTotal sums all reservations.
func (b Budget) ReservedTotal() int {
	total := 0
	for _, n := range b.reserved {
		total += n
	}
	return total
}
