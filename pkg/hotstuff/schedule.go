package hotstuff

// Schedule is the producer/finalizer schedule a pacemaker derives
// leader selection from: a fixed, ordered list of producer ids, each
// holding its slot for repetitions consecutive slots before rotating
// (§4.8: "index = (timestamp.slot / repetitions) mod |producers|").
type Schedule struct {
	Producers   []string
	Repetitions uint64
}

// LeaderIndex is the pure slot-arithmetic function §4.8 names; kept
// free of any pacemaker state so it is trivially testable and safe to
// call from any goroutine.
func LeaderIndex(sched Schedule, slot uint64) (int, bool) {
	if len(sched.Producers) == 0 || sched.Repetitions == 0 {
		return 0, false
	}
	idx := (slot / sched.Repetitions) % uint64(len(sched.Producers))
	return int(idx), true
}

// Leader returns the producer id scheduled for slot.
func Leader(sched Schedule, slot uint64) (string, bool) {
	idx, ok := LeaderIndex(sched, slot)
	if !ok {
		return "", false
	}
	return sched.Producers[idx], true
}

// NextLeader returns the producer id scheduled for the slot immediately
// following slot's held range — i.e. the next distinct leader, not
// necessarily slot+1 if repetitions > 1.
func NextLeader(sched Schedule, slot uint64) (string, bool) {
	if len(sched.Producers) == 0 || sched.Repetitions == 0 {
		return "", false
	}
	currentRun := slot / sched.Repetitions
	nextSlot := (currentRun + 1) * sched.Repetitions
	return Leader(sched, nextSlot)
}
