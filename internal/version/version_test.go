package version

import "testing"

func TestString(t *testing.T) {
	if got, want := String(), "dev (unknown) built unknown"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := len(Fields()); got != 6 {
		t.Errorf("len(Fields()) = %d, want 6", got)
	}
}
