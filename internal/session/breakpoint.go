package session

import (
	"strings"

	"github.com/google/uuid"
)

// BreakpointCondition is a conjunction of optional checks: every non-nil
// field must match for the breakpoint to trigger at a given step.
type BreakpointCondition struct {
	PC              *int
	Opcode          *string
	StorageSlot     *string
	GlobalStepIndex *int
}

// Breakpoint is one registered stop condition, keyed by an opaque ID so
// callers can remove it later without needing to re-specify its condition.
type Breakpoint struct {
	ID        string
	Condition BreakpointCondition
}

// AddBreakpoint registers a new breakpoint and returns it, ID assigned.
func (s *DebugSession) AddBreakpoint(cond BreakpointCondition) *Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	bp := &Breakpoint{ID: uuid.New().String(), Condition: cond}
	s.breakpoints[bp.ID] = bp
	return bp
}

// RemoveBreakpoint deletes a breakpoint by ID, reporting whether it existed.
func (s *DebugSession) RemoveBreakpoint(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.breakpoints[id]; !ok {
		return false
	}
	delete(s.breakpoints, id)
	return true
}

// Breakpoints lists every currently registered breakpoint.
func (s *DebugSession) Breakpoints() []*Breakpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Breakpoint, 0, len(s.breakpoints))
	for _, bp := range s.breakpoints {
		out = append(out, bp)
	}
	return out
}

// ContinueForward advances the cursor to the next step (after the current
// position) matching any registered breakpoint. If none matches, the cursor
// lands on the last position and ok is false.
func (s *DebugSession) ContinueForward() (bp *Breakpoint, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := s.cursor + 1; i < len(s.flat); i++ {
		if hit := s.matchAnyLocked(i); hit != nil {
			s.cursor = i
			return hit, true
		}
	}
	s.cursor = len(s.flat) - 1
	return nil, false
}

// ContinueBackward is ContinueForward's time-travel mirror: it scans toward
// the start of the trace instead of the end.
func (s *DebugSession) ContinueBackward() (bp *Breakpoint, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := s.cursor - 1; i >= 0; i-- {
		if hit := s.matchAnyLocked(i); hit != nil {
			s.cursor = i
			return hit, true
		}
	}
	s.cursor = 0
	return nil, false
}

func (s *DebugSession) matchAnyLocked(index int) *Breakpoint {
	fs := s.flat[index]
	for _, bp := range s.breakpoints {
		if conditionMatches(bp.Condition, index, fs) {
			return bp
		}
	}
	return nil
}

func conditionMatches(cond BreakpointCondition, globalIndex int, fs FlatStep) bool {
	if fs.IsFrameEnd {
		return false
	}
	step := fs.Frame.Steps[fs.StepIndex]

	if cond.PC != nil && step.PC != *cond.PC {
		return false
	}
	if cond.Opcode != nil && !strings.EqualFold(step.Mnemonic, *cond.Opcode) {
		return false
	}
	if cond.GlobalStepIndex != nil && globalIndex != *cond.GlobalStepIndex {
		return false
	}
	if cond.StorageSlot != nil {
		found := false
		for _, change := range step.StorageChanges {
			if change.Slot == *cond.StorageSlot {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
