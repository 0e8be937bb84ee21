package runid

import "testing"

func TestNew_ReturnsNonZeroUniqueIDs(t *testing.T) {
	a := New()
	b := New()

	if a.Zero() || b.Zero() {
		t.Fatal("expected New to never produce a zero RunID")
	}
	if a == b {
		t.Fatal("expected distinct RunIDs across calls")
	}
	if a.String() == "" {
		t.Fatal("expected a non-empty string representation")
	}
}

func TestRunID_Zero(t *testing.T) {
	var r RunID
	if !r.Zero() {
		t.Fatal("expected the zero value to report Zero() == true")
	}
}
