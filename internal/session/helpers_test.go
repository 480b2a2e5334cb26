package session

import (
	"testing"
	"time"

	"github.com/scanner/asimap/internal/wire"
)

func TestMatchGlobStarAndPercent(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"INBOX", "INBOX", true},
		{"INBOX", "Archive", false},
		{"*", "Archive/2024", true},
		{"%", "Archive/2024", false}, // % must not cross the hierarchy delimiter
		{"%", "Archive", true},
		{"Archive/%", "Archive/2024", true},
		{"Archive/%", "Archive/2024/Q1", false},
		{"Archive/*", "Archive/2024/Q1", true},
	}
	for _, c := range cases {
		if got := matchGlob(c.pattern, c.name); got != c.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestRangesContainOpenEnded(t *testing.T) {
	// Covers the UID EXPUNGE n:* fix: an open-ended range (Max==0 is
	// the '*' placeholder) must be treated as unbounded, not as "just
	// n", when intersected against live UIDs.
	seqs := []wire.SeqRange{{Min: 5, Max: 0}}
	if !rangesContain(seqs, 5) {
		t.Fatal("expected 5:* to contain 5")
	}
	if !rangesContain(seqs, 1000) {
		t.Fatal("expected 5:* to contain a UID far beyond the starting point")
	}
	if rangesContain(seqs, 4) {
		t.Fatal("expected 5:* not to contain 4")
	}
}

func TestRangesContainClosedRange(t *testing.T) {
	seqs := []wire.SeqRange{{Min: 2, Max: 4}}
	for _, n := range []uint32{2, 3, 4} {
		if !rangesContain(seqs, n) {
			t.Errorf("expected %d to be within 2:4", n)
		}
	}
	for _, n := range []uint32{1, 5} {
		if rangesContain(seqs, n) {
			t.Errorf("expected %d not to be within 2:4", n)
		}
	}
}

func TestItoaAndItoa64(t *testing.T) {
	if got := itoa(0); got != "0" {
		t.Errorf("itoa(0) = %q, want %q", got, "0")
	}
	if got := itoa(42); got != "42" {
		t.Errorf("itoa(42) = %q, want %q", got, "42")
	}
	if got := itoa64(-7); got != "-7" {
		t.Errorf("itoa64(-7) = %q, want %q", got, "-7")
	}
}

func TestParseAppendDate(t *testing.T) {
	when, err := parseAppendDate("")
	if err != nil {
		t.Fatalf("empty date: %v", err)
	}
	if !when.IsZero() {
		t.Fatal("expected zero time for an empty APPEND date argument")
	}

	when, err = parseAppendDate("17-Jul-1996 02:44:25 -0700")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(1996, time.July, 17, 2, 44, 25, 0, time.FixedZone("", -7*3600))
	if !when.Equal(want) {
		t.Errorf("parseAppendDate: got %v, want %v", when, want)
	}
}

func TestContainsAndHasChild(t *testing.T) {
	if !contains([]string{"A", "B"}, "B") {
		t.Fatal("expected contains to find B")
	}
	if contains([]string{"A", "B"}, "C") {
		t.Fatal("expected contains not to find C")
	}

	folders := []string{"Archive", "Archive/2024", "INBOX"}
	if !hasChild(folders, "Archive") {
		t.Fatal("expected Archive to have a child (Archive/2024)")
	}
	if hasChild(folders, "INBOX") {
		t.Fatal("expected INBOX to have no children")
	}
}
