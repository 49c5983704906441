package ledger

import "testing"

func TestCreditsRequired_RoundsUpToUnitSize(t *testing.T) {
	cases := []struct {
		length, unitSize, want int
	}{
		{0, 1000, 1},
		{1, 1000, 1},
		{1000, 1000, 1},
		{1001, 1000, 2},
		{2500, 1000, 3},
		{500, 0, 500}, // unitSize <= 0 degrades to 1 to avoid division by zero
	}
	for _, c := range cases {
		if got := CreditsRequired(c.length, c.unitSize); got != c.want {
			t.Errorf("CreditsRequired(%d, %d) = %d, want %d", c.length, c.unitSize, got, c.want)
		}
	}
}

func TestInsufficientCreditsError_Message(t *testing.T) {
	err := &InsufficientCreditsError{Needed: 10, Available: 3}
	if err.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
}
