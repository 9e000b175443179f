package budget

import "testing"

func TestNew_AvailabilityInvariant(t *testing.T) {
	tests := []struct {
		name      string
		params    Params
		available int
	}{
		{name: "empty", params: Params{}, available: 0},
		{name: "total only", params: Params{Total: 100}, available: 100},
		{name: "used", params: Params{Total: 100, Used: 30}, available: 70},
		{name: "reserved", params: Params{Total: 100, Reserved: map[string]int{SlotResponse: 50, SlotSystem: 10}}, available: 40},
		{name: "overflow clamps", params: Params{Total: 100, Used: 80, Reserved: map[string]int{SlotResponse: 50}}, available: 0},
		{name: "negative total clamps", params: Params{Total: -5}, available: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.params)
			if b.Available() != tt.available {
				t.Errorf("Available() = %d, want %d", b.Available(), tt.available)
			}
			want := max(0, b.Total()-b.Used()-b.ReservedTotal())
			if b.Available() != want {
				t.Errorf("invariant broken: available %d, computed %d", b.Available(), want)
			}
		})
	}
}

func TestConsume_ReturnsNewValue(t *testing.T) {
	original := New(Params{Total: 100, Reserved: map[string]int{SlotResponse: 20}})
	consumed := original.Consume(30)

	if original.Used() != 0 || original.Available() != 80 {
		t.Fatalf("original mutated: used %d available %d", original.Used(), original.Available())
	}
	if consumed.Used() != 30 {
		t.Errorf("Used() = %d, want 30", consumed.Used())
	}
	if consumed.Available() != 50 {
		t.Errorf("Available() = %d, want 50", consumed.Available())
	}
	if consumed.Reservation(SlotResponse) != 20 {
		t.Errorf("reservation lost: %d", consumed.Reservation(SlotResponse))
	}
}

func TestConsume_NeverDropsMoreThanConsumed(t *testing.T) {
	b := New(Params{Total: 50, Reserved: map[string]int{SlotSystem: 10}})

	for _, n := range []int{0, 1, 7, 25, 100} {
		next := b.Consume(n)
		if drop := b.Available() - next.Available(); drop > n || drop < 0 {
			t.Errorf("Consume(%d) dropped availability by %d", n, drop)
		}
	}
}

func TestReserved_IsCopy(t *testing.T) {
	source := map[string]int{SlotSystem: 5}
	b := New(Params{Total: 10, Reserved: source})
	source[SlotSystem] = 9

	if b.Reservation(SlotSystem) != 5 {
		t.Fatalf("budget shares caller map")
	}

	out := b.Reserved()
	out[SlotSystem] = 1
	if b.Reservation(SlotSystem) != 5 {
		t.Fatalf("Reserved() leaks internal map")
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"hello, world!", 4},
	}

	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
