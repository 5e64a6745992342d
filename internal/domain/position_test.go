package domain

import "testing"

func TestCanTransitionForwardOnly(t *testing.T) {
	cases := []struct {
		name string
		from PositionStatus
		to   PositionStatus
		want bool
	}{
		{"pending to submitted", StatusPendingSubmit, StatusSubmitted, true},
		{"submitted to resolved", StatusSubmitted, StatusIndexResolved, true},
		{"submitted skips to closing", StatusSubmitted, StatusClosing, true},
		{"resolved to open", StatusIndexResolved, StatusOpen, true},
		{"open to closing", StatusOpen, StatusClosing, true},
		{"closing to closed", StatusClosing, StatusClosed, true},
		{"no backward open to submitted", StatusOpen, StatusSubmitted, false},
		{"no backward resolved to pending", StatusIndexResolved, StatusPendingSubmit, false},
		{"closed is absorbing", StatusClosed, StatusClosing, false},
		{"failed is absorbing", StatusFailed, StatusSubmitted, false},
		{"already closed is absorbing", StatusAlreadyClosed, StatusClosed, false},
		{"any non-terminal can fail", StatusSubmitted, StatusFailed, true},
		{"any non-terminal can absorb already closed", StatusClosing, StatusAlreadyClosed, true},
		{"same status is not a transition", StatusOpen, StatusOpen, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.from.CanTransition(tc.to); got != tc.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []PositionStatus{StatusClosed, StatusAlreadyClosed, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []PositionStatus{StatusPendingSubmit, StatusSubmitted, StatusIndexResolved, StatusOpen, StatusClosing}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseSide(t *testing.T) {
	cases := []struct {
		in      string
		want    TradeSide
		wantErr bool
	}{
		{"long", SideLong, false},
		{"LONG", SideLong, false},
		{"buy", SideLong, false},
		{"short", SideShort, false},
		{" Sell ", SideShort, false},
		{"sideways", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseSide(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseSide(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSide(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSide(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
