package hotstuff

import "testing"

func TestLeaderIndexRotation(t *testing.T) {
	sched := Schedule{Producers: []string{"p0", "p1", "p2"}, Repetitions: 4}

	cases := []struct {
		slot uint64
		want string
	}{
		{0, "p0"}, {3, "p0"}, {4, "p1"}, {7, "p1"}, {8, "p2"}, {11, "p2"}, {12, "p0"},
	}
	for _, tc := range cases {
		got, ok := Leader(sched, tc.slot)
		if !ok {
			t.Fatalf("slot %d: Leader returned ok=false", tc.slot)
		}
		if got != tc.want {
			t.Fatalf("slot %d: got %q, want %q", tc.slot, got, tc.want)
		}
	}
}

func TestLeaderEmptySchedule(t *testing.T) {
	if _, ok := Leader(Schedule{}, 5); ok {
		t.Fatalf("expected ok=false for empty schedule")
	}
}

func TestNextLeaderCrossesRepetitionBoundary(t *testing.T) {
	sched := Schedule{Producers: []string{"p0", "p1"}, Repetitions: 2}
	got, ok := NextLeader(sched, 0)
	if !ok || got != "p1" {
		t.Fatalf("NextLeader(0): got (%q, %v), want (p1, true)", got, ok)
	}
	got, ok = NextLeader(sched, 1)
	if !ok || got != "p1" {
		t.Fatalf("NextLeader(1): got (%q, %v), want (p1, true)", got, ok)
	}
}
