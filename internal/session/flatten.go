package session

import (
	"github.com/fvictorio/evmd/internal/trace"
)

// FlatStep is one entry of the depth-first-flattened view over a Trace:
// either a real step within a frame, or a virtual "frame end" marker once a
// frame's last step has been visited. A frame-end marker carries
// StepIndex == -1, the sentinel that distinguishes it from any real step.
type FlatStep struct {
	Frame      *trace.Frame
	StepIndex  int
	CallStack  []*trace.Frame
	IsFrameEnd bool
}

// flatten walks a Frame tree depth-first, interleaving a frame's own steps
// with the full sub-trace of any child frame spawned by them, and appends a
// virtual frame-end marker once a frame's steps are exhausted. This gives
// the session a single linear cursor over what is otherwise a tree.
func flatten(root *trace.Frame) []FlatStep {
	var out []FlatStep
	var walk func(frame *trace.Frame, callStack []*trace.Frame)
	walk = func(frame *trace.Frame, callStack []*trace.Frame) {
		stack := append(append([]*trace.Frame(nil), callStack...), frame)

		childIdx := 0
		for i := range frame.Steps {
			out = append(out, FlatStep{Frame: frame, StepIndex: i, CallStack: stack})
			for childIdx < len(frame.Children) && frame.Children[childIdx].StepIndex == i {
				walk(frame.Children[childIdx].Frame, stack)
				childIdx++
			}
		}

		out = append(out, FlatStep{Frame: frame, StepIndex: -1, CallStack: stack, IsFrameEnd: true})
	}
	walk(root, nil)
	return out
}
