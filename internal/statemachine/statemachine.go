package statemachine

import (
	"errors"
	"fmt"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
)

var ErrBadStateTransition = errors.New("illegal state transition")

type Kind int

const (
	// Apply moves the job into the proposed state.
	Apply Kind = iota
	// StatusOnly keeps the state and records the status text. Used for re-delivered callbacks.
	StatusOnly
	// Ignore drops the proposal. A cancel arriving after the job finished ends here.
	Ignore
)

func (k Kind) String() string {
	switch k {
	case Apply:
		return "apply"
	case StatusOnly:
		return "status-only"
	case Ignore:
		return "ignore"
	}
	return "unknown"
}

type Transition struct {
	From model.JobState
	To   model.JobState
	Kind Kind
}

func (t Transition) IsTerminal() bool {
	return t.Kind == Apply && t.To.IsFinal()
}

var edges = map[model.JobState][]model.JobState{
	model.JobStateValidated: {model.JobStatePrepared},
	model.JobStatePrepared:  {model.JobStateScheduled, model.JobStateRunning},
	model.JobStateScheduled: {model.JobStateRunning},
	model.JobStateRunning:   {model.JobStateSuccess, model.JobStateFailure},
	model.JobStateCanceling: {model.JobStateSuccess, model.JobStateFailure},
}

var states = []model.JobState{
	model.JobStateValidated,
	model.JobStatePrepared,
	model.JobStateScheduled,
	model.JobStateRunning,
	model.JobStateCanceling,
	model.JobStateSuccess,
	model.JobStateFailure,
}

func IsKnown(state model.JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// CanTransition reports whether the edge from -> to exists. Every non-terminal
// state may move to CANCELING and FAILURE.
func CanTransition(from, to model.JobState) bool {
	if from.IsFinal() {
		return false
	}
	if to == model.JobStateCanceling || to == model.JobStateFailure {
		return from != to
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Evaluate decides what to do with a proposed state. It never blocks.
func Evaluate(current, proposed model.JobState) (Transition, error) {
	t := Transition{From: current, To: proposed}

	if !IsKnown(proposed) {
		return t, fmt.Errorf("%w: unknown state %q", ErrBadStateTransition, proposed)
	}

	switch {
	case current == proposed:
		t.Kind = StatusOnly
		return t, nil
	case current.IsFinal() && proposed == model.JobStateCanceling:
		t.Kind = Ignore
		return t, nil
	case CanTransition(current, proposed):
		t.Kind = Apply
		return t, nil
	}
	return t, fmt.Errorf("%w: %s -> %s", ErrBadStateTransition, current, proposed)
}
