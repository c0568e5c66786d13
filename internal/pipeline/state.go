package pipeline

import "fmt"

// State is a step in the life of one event during a run.
type State string

const (
	StateFetched                  State = "fetched"
	StateSkippedMarked            State = "skipped_marked"
	StateSkippedTracked           State = "skipped_tracked"
	StateSkippedProcessedRemotely State = "skipped_processed_remotely"
	StateExtracted                State = "extracted"
	StateDuplicateSkipped         State = "duplicate_skipped"
	StateCreated                  State = "created"
	StateMarked                   State = "marked"
	StateCreatedButUnmarked       State = "created_but_unmarked"
	// StateRecorded means created on a read-only calendar; the tracker holds
	// the processed record.
	StateRecorded State = "recorded"
	// StatePlanned ends a dry run after extraction.
	StatePlanned State = "planned"
	StateFailed  State = "failed"
)

var transitions = map[State][]State{
	StateFetched: {
		StateSkippedMarked, StateSkippedTracked, StateSkippedProcessedRemotely,
		StateExtracted, StateFailed,
	},
	StateExtracted: {StateDuplicateSkipped, StateCreated, StatePlanned, StateFailed},
	StateCreated:   {StateMarked, StateCreatedButUnmarked, StateRecorded},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

func transition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}
