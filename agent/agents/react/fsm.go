package react

import "fmt"

type State string

const (
	StateThinking   State = "thinking"
	StateActing     State = "acting"
	StateObserving  State = "observing"
	StateConcluding State = "concluding"
	StateConcluded  State = "concluded"
	StateFailed     State = "failed"
)

// validTransitions lists the legal moves of one loop run.
var validTransitions = map[State]map[State]bool{
	StateThinking:   {StateActing: true, StateConcluding: true, StateFailed: true},
	StateActing:     {StateObserving: true, StateFailed: true},
	StateObserving:  {StateThinking: true, StateConcluding: true},
	StateConcluding: {StateConcluded: true, StateFailed: true},
}

func IsValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

func (s State) Terminal() bool {
	return s == StateConcluded || s == StateFailed
}

type machine struct {
	state State
	trail []State
}

func newMachine() *machine {
	return &machine{state: StateThinking, trail: []State{StateThinking}}
}

func (m *machine) to(next State) error {
	if !IsValidTransition(m.state, next) {
		return fmt.Errorf("illegal react transition %s -> %s", m.state, next)
	}
	m.state = next
	m.trail = append(m.trail, next)
	return nil
}
