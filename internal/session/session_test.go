package session

import (
	"testing"

	"github.com/fvictorio/evmd/internal/trace"
)

// buildSampleTrace constructs a small root-with-one-child trace by hand,
// avoiding a dependency on the trace package's Engine so this package's
// tests exercise flattening/navigation logic in isolation.
func buildSampleTrace() *trace.Trace {
	child := &trace.Frame{
		ID:   "frame-0",
		Type: trace.FrameCall,
		Steps: []*trace.Step{
			{PC: 0, Mnemonic: "PUSH1", Stack: []string{}, StackAfter: []string{"0x1"}},
			{PC: 2, Mnemonic: "STOP", Stack: []string{"0x1"}, StackAfter: []string{"0x1"}},
		},
		Result: trace.FrameResult{ExitReason: trace.ExitSuccess},
	}
	root := &trace.Frame{
		ID:   "root",
		Type: trace.FrameRoot,
		Steps: []*trace.Step{
			{PC: 0, Mnemonic: "PUSH1", Stack: []string{}, StackAfter: []string{"0x0"}},
			{PC: 2, Mnemonic: "CALL", Stack: []string{"0x0"}, StackAfter: []string{"0x1"}},
			{PC: 3, Mnemonic: "STOP", Stack: []string{"0x1"}, StackAfter: []string{"0x1"}},
		},
		Children: []trace.ChildFrame{{StepIndex: 1, Frame: child}},
		Result:   trace.FrameResult{ExitReason: trace.ExitSuccess},
	}
	return &trace.Trace{Root: root, Metadata: trace.TraceMetadata{Mode: trace.ModeCall, Success: true}}
}

func TestFlattenInterleavesChildBetweenSteps(t *testing.T) {
	tr := buildSampleTrace()
	flat := flatten(tr.Root)

	// Expected order: root[0], root[1](CALL), child[0], child[1], child-end,
	// root[2], root-end.
	want := []struct {
		frameID    string
		stepIndex  int
		isFrameEnd bool
	}{
		{"root", 0, false},
		{"root", 1, false},
		{"frame-0", 0, false},
		{"frame-0", 1, false},
		{"frame-0", -1, true},
		{"root", 2, false},
		{"root", -1, true},
	}
	if len(flat) != len(want) {
		t.Fatalf("flatten produced %d entries, want %d: %+v", len(flat), len(want), flat)
	}
	for i, w := range want {
		got := flat[i]
		if got.Frame.ID != w.frameID || got.StepIndex != w.stepIndex || got.IsFrameEnd != w.isFrameEnd {
			t.Errorf("entry %d = {%s, %d, %v}, want {%s, %d, %v}",
				i, got.Frame.ID, got.StepIndex, got.IsFrameEnd, w.frameID, w.stepIndex, w.isFrameEnd)
		}
	}
}

func TestNavigationBounds(t *testing.T) {
	s := New(buildSampleTrace())

	if s.StepBackward() {
		t.Fatalf("StepBackward succeeded at start")
	}
	for s.StepForward() {
	}
	if s.GlobalStepIndex() != s.TotalSteps()-1 {
		t.Fatalf("expected cursor at last index after exhausting StepForward")
	}
	if s.StepForward() {
		t.Fatalf("StepForward succeeded at end")
	}
}

func TestJumpToStartAndEnd(t *testing.T) {
	s := New(buildSampleTrace())
	s.JumpToEnd()
	if s.GlobalStepIndex() != s.TotalSteps()-1 {
		t.Fatalf("JumpToEnd landed at %d, want %d", s.GlobalStepIndex(), s.TotalSteps()-1)
	}
	s.JumpToStart()
	if s.GlobalStepIndex() != 0 {
		t.Fatalf("JumpToStart landed at %d, want 0", s.GlobalStepIndex())
	}
}

func TestJumpToOutOfRangeFails(t *testing.T) {
	s := New(buildSampleTrace())
	if s.JumpTo(-1) {
		t.Fatalf("JumpTo(-1) succeeded")
	}
	if s.JumpTo(s.TotalSteps()) {
		t.Fatalf("JumpTo(TotalSteps()) succeeded")
	}
}

func TestStepOverSkipsChildFrame(t *testing.T) {
	s := New(buildSampleTrace())
	// Move to root's CALL step (global index 1).
	s.JumpTo(1)
	if s.CurrentFrame().ID != "root" || s.CurrentStepIndex() != 1 {
		t.Fatalf("setup: expected root step 1, got %s/%d", s.CurrentFrame().ID, s.CurrentStepIndex())
	}
	if !s.StepOver() {
		t.Fatalf("StepOver failed")
	}
	if s.CurrentFrame().ID != "root" || s.CurrentStepIndex() != 2 {
		t.Fatalf("StepOver landed on %s/%d, want root/2", s.CurrentFrame().ID, s.CurrentStepIndex())
	}
}

func TestStepOverAtNonSpawningStepBehavesLikeStepForward(t *testing.T) {
	s := New(buildSampleTrace())
	s.JumpTo(0)
	if !s.StepOver() {
		t.Fatalf("StepOver failed")
	}
	if s.GlobalStepIndex() != 1 {
		t.Fatalf("StepOver at a non-spawning step landed at %d, want 1", s.GlobalStepIndex())
	}
}

func TestStepOverSaturatesAtEnd(t *testing.T) {
	s := New(buildSampleTrace())
	s.JumpToEnd()
	if s.CanStepOver() {
		t.Fatalf("CanStepOver true at the last position")
	}
	if s.StepOver() {
		t.Fatalf("StepOver succeeded at the last position")
	}
}

func TestStepOutFromChildReturnsToRoot(t *testing.T) {
	s := New(buildSampleTrace())
	s.JumpTo(2) // frame-0, step 0
	if s.CurrentFrame().ID != "frame-0" {
		t.Fatalf("setup: expected frame-0, got %s", s.CurrentFrame().ID)
	}
	if !s.CanStepOut() {
		t.Fatalf("CanStepOut false inside a child frame")
	}
	if !s.StepOut() {
		t.Fatalf("StepOut failed")
	}
	if s.CurrentFrame().ID != "root" || s.CurrentStepIndex() != 2 {
		t.Fatalf("StepOut landed on %s/%d, want root/2", s.CurrentFrame().ID, s.CurrentStepIndex())
	}
}

func TestStepOutAtRootFails(t *testing.T) {
	s := New(buildSampleTrace())
	if s.CanStepOut() {
		t.Fatalf("CanStepOut true at the root frame")
	}
	if s.StepOut() {
		t.Fatalf("StepOut succeeded at the root frame")
	}
}

func TestCursorIdempotentAtSamePosition(t *testing.T) {
	s := New(buildSampleTrace())
	s.JumpTo(3)
	frame, idx := s.CurrentFrame(), s.CurrentStepIndex()
	s.JumpTo(3)
	if s.CurrentFrame() != frame || s.CurrentStepIndex() != idx {
		t.Fatalf("re-jumping to the same index changed cursor-derived reads")
	}
}

func TestCurrentStepNilAtFrameEnd(t *testing.T) {
	s := New(buildSampleTrace())
	for !s.IsAtFrameEnd() {
		if !s.StepForward() {
			t.Fatalf("ran out of steps before reaching a frame-end marker")
		}
	}
	if s.CurrentStep() != nil {
		t.Fatalf("expected nil CurrentStep at a frame-end marker")
	}
}

func TestBreakpointAddRemoveAndContinue(t *testing.T) {
	s := New(buildSampleTrace())
	mnemonic := "CALL"
	bp := s.AddBreakpoint(BreakpointCondition{Opcode: &mnemonic})

	s.JumpToStart()
	hit, ok := s.ContinueForward()
	if !ok || hit == nil || hit.ID != bp.ID {
		t.Fatalf("ContinueForward did not stop at the CALL breakpoint: %+v, %v", hit, ok)
	}
	if s.CurrentStep().Mnemonic != "CALL" {
		t.Fatalf("cursor landed on %q, want CALL", s.CurrentStep().Mnemonic)
	}

	if !s.RemoveBreakpoint(bp.ID) {
		t.Fatalf("RemoveBreakpoint reported failure for an existing breakpoint")
	}
	if len(s.Breakpoints()) != 0 {
		t.Fatalf("expected no breakpoints after removal")
	}
}

func TestContinueForwardNoMatchReachesEnd(t *testing.T) {
	s := New(buildSampleTrace())
	pc := 999
	s.AddBreakpoint(BreakpointCondition{PC: &pc})

	s.JumpToStart()
	_, ok := s.ContinueForward()
	if ok {
		t.Fatalf("ContinueForward reported a hit for an impossible condition")
	}
	if s.GlobalStepIndex() != s.TotalSteps()-1 {
		t.Fatalf("ContinueForward without a match should saturate at the end")
	}
}

func TestContinueBackwardFindsEarlierStep(t *testing.T) {
	s := New(buildSampleTrace())
	mnemonic := "PUSH1"
	s.AddBreakpoint(BreakpointCondition{Opcode: &mnemonic, GlobalStepIndex: intPtr(0)})

	s.JumpToEnd()
	hit, ok := s.ContinueBackward()
	if !ok || hit == nil {
		t.Fatalf("ContinueBackward did not find the global-step-0 breakpoint")
	}
	if s.GlobalStepIndex() != 0 {
		t.Fatalf("ContinueBackward landed at %d, want 0", s.GlobalStepIndex())
	}
}

func intPtr(v int) *int { return &v }
