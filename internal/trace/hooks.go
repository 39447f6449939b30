package trace

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/holiman/uint256"

	"github.com/fvictorio/evmd/internal/opcodes"
)

// frameBuilder consumes go-ethereum's live-tracing hooks (OnEnter/OnOpcode/
// OnExit — the Go equivalent of the beforeMessage/step/afterMessage event
// contract this Engine is specified against) and reifies them into an
// immutable Frame tree. It holds an explicit stack of open frames rather
// than recursing, so it stays agnostic to the interpreter's own call stack
// management.
type frameBuilder struct {
	mode     Mode
	original string // user-supplied bytecode, normalized, pre-terminal-padding
	state    *state.StateDB

	root   *Frame
	stack  []*openFrame
	nextID int
}

type openFrame struct {
	frame      *Frame
	storageAcc map[string]string // slot hex -> accumulated value hex
}

func newFrameBuilder(mode Mode, original string, sdb *state.StateDB) *frameBuilder {
	return &frameBuilder{mode: mode, original: original, state: sdb}
}

// hooks returns the tracing.Hooks wired to this builder's event handlers.
func (b *frameBuilder) hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter:  b.onEnter,
		OnExit:   b.onExit,
		OnOpcode: b.onOpcode,
	}
}

// onEnter implements §4.3 "On beforeMessage".
func (b *frameBuilder) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	var (
		id    string
		ftype FrameType
	)
	if depth == 0 {
		id = "root"
		ftype = FrameRoot
	} else {
		id = fmt.Sprintf("frame-%d", b.nextID)
		b.nextID++
		ftype = b.inferChildType()
	}

	f := &Frame{
		ID:          id,
		Type:        ftype,
		CodeAddress: strings.ToLower(to.Hex()),
		Code:        b.resolveCode(ftype, to, input),
		Input:       hexBytes(input),
		Value:       hexBigInt(value),
		Caller:      strings.ToLower(from.Hex()),
		Gas:         gas,
		Result:      FrameResult{ExitReason: ExitSuccess, ReturnData: "0x"},
	}

	if depth == 0 {
		// Faithful display of what was actually asked to run, independent of
		// the synthetic terminal STOP the Engine may have appended.
		f.Code = b.original
		if b.mode == ModeDeploy {
			f.Input = b.original
		}
		b.root = f
	} else {
		parent := b.stack[len(b.stack)-1]
		stepIdx := 0
		if n := len(parent.frame.Steps); n > 0 {
			stepIdx = n - 1
		}
		parent.frame.Children = append(parent.frame.Children, ChildFrame{StepIndex: stepIdx, Frame: f})
	}

	b.stack = append(b.stack, &openFrame{frame: f, storageAcc: map[string]string{}})
}

// inferChildType implements §4.3/§9's "frame-type inference from parent
// opcode": the interpreter's own is-create classification is not trusted;
// instead the mnemonic of the parent's most recent step decides.
func (b *frameBuilder) inferChildType() FrameType {
	if len(b.stack) == 0 {
		return FrameCall
	}
	parent := b.stack[len(b.stack)-1].frame
	if len(parent.Steps) == 0 {
		return FrameCall
	}
	switch parent.Steps[len(parent.Steps)-1].Mnemonic {
	case "CREATE":
		return FrameCreate
	case "CREATE2":
		return FrameCreate2
	case "STATICCALL":
		return FrameStaticCall
	case "DELEGATECALL":
		return FrameDelegateCall
	case "CALLCODE":
		return FrameCallCode
	default:
		return FrameCall
	}
}

func (b *frameBuilder) resolveCode(ftype FrameType, to common.Address, input []byte) string {
	if ftype == FrameCreate || ftype == FrameCreate2 {
		if len(input) > 0 {
			return hexBytes(input)
		}
		return "0x"
	}
	if b.state != nil {
		if code := b.state.GetCode(to); len(code) > 0 {
			return hexBytes(code)
		}
	}
	return "0x"
}

// onOpcode implements §4.3 "On step".
func (b *frameBuilder) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	if len(b.stack) == 0 {
		return
	}
	top := b.stack[len(b.stack)-1]
	f := top.frame

	stack := scope.StackData() // bottom-first; last element is top of stack
	mem := scope.MemoryData()
	stackTop := stackTopFirst(stack)
	memHex := hexBytes(mem)

	// 1. Retro-fill the previous step's post-execution state: this event's
	// pre-state *is* the previous step's post-state.
	if n := len(f.Steps); n > 0 {
		prev := f.Steps[n-1]
		prev.StackAfter = stackTop
		prev.MemoryAfter = memHex
	}

	// 2. Snapshot the accumulated per-frame storage, before this opcode.
	var snapshot map[string]string
	if len(top.storageAcc) > 0 {
		snapshot = make(map[string]string, len(top.storageAcc))
		for k, v := range top.storageAcc {
			snapshot[k] = v
		}
	}

	// 3. SSTORE capture.
	var changes []StorageChange
	if op == 0x55 && len(stack) >= 2 {
		slotWord := stack[len(stack)-1]
		valueWord := stack[len(stack)-2]
		slotHex := hexUint256(&slotWord)
		afterHex := hexUint256(&valueWord)
		if beforeHex, ok := b.readStorageBefore(scope.Address(), &slotWord); ok {
			changes = append(changes, StorageChange{Slot: slotHex, Before: beforeHex, After: afterHex})
			top.storageAcc[slotHex] = afterHex
		}
	}

	f.Steps = append(f.Steps, &Step{
		PC:                      int(pc),
		Opcode:                  op,
		Mnemonic:                mnemonicFor(op),
		GasRemaining:            gas,
		GasCost:                 cost,
		Depth:                   depth,
		Stack:                   stackTop,
		Memory:                  Memory{Current: memHex},
		StorageChanges:          changes,
		TransientStorageChanges: nil,
		Storage:                 snapshot,
	})
}

func (b *frameBuilder) readStorageBefore(addr common.Address, slot *uint256.Int) (string, bool) {
	if b.state == nil {
		return "", false
	}
	slotHash := common.Hash(slot.Bytes32())
	before := b.state.GetState(addr, slotHash)
	beforeWord := new(uint256.Int).SetBytes(before.Bytes())
	return hexUint256(beforeWord), true
}

// onExit implements §4.3 "On afterMessage".
func (b *frameBuilder) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	if len(b.stack) == 0 {
		return
	}
	top := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	f := top.frame

	f.Result = FrameResult{
		ExitReason: mapExitReason(err, reverted),
		ReturnData: hexBytes(output),
		GasUsed:    gasUsed,
	}

	if n := len(f.Steps); n > 0 {
		last := f.Steps[n-1]
		if last.StackAfter == nil {
			synthesizeTerminalState(last)
		}
	}
}

func mnemonicFor(op byte) string {
	info := opcodes.Lookup(op)
	if !info.IsDefined() {
		return fmt.Sprintf("UNKNOWN(0x%02x)", op)
	}
	return info.Mnemonic
}

func stackTopFirst(stack []uint256.Int) []string {
	out := make([]string, len(stack))
	for i, v := range stack {
		v := v
		out[len(stack)-1-i] = hexUint256(&v)
	}
	return out
}

// synthesizeTerminalState fills stackAfter/memoryAfter for a step that never
// got a following step event — i.e. the true last instruction of a frame,
// per §4.3's opcode-specific fallback table.
func synthesizeTerminalState(last *Step) {
	switch last.Opcode {
	case 0x00, 0xfe: // STOP, INVALID
		last.StackAfter = append([]string(nil), last.Stack...)
	case 0xf3, 0xfd: // RETURN, REVERT
		last.StackAfter = popFront(last.Stack, 2)
	case 0xff: // SELFDESTRUCT
		last.StackAfter = popFront(last.Stack, 1)
	default:
		last.StackAfter = append([]string(nil), last.Stack...)
	}
	if last.MemoryAfter == "" {
		last.MemoryAfter = last.Memory.Current
	}
}

func popFront(stack []string, n int) []string {
	if n > len(stack) {
		n = len(stack)
	}
	out := make([]string, len(stack)-n)
	copy(out, stack[n:])
	return out
}

// mapExitReason implements §7's exception-string mapping.
func mapExitReason(err error, reverted bool) FrameExitReason {
	if reverted {
		return ExitRevert
	}
	if err == nil {
		return ExitSuccess
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "revert"):
		return ExitRevert
	case strings.Contains(msg, "out of gas"):
		return ExitOutOfGas
	case strings.Contains(msg, "stack underflow"):
		return ExitStackUnderflow
	case strings.Contains(msg, "stack overflow"):
		return ExitStackOverflow
	case strings.Contains(msg, "invalid jump"):
		return ExitInvalidJump
	case strings.Contains(msg, "static"):
		return ExitWriteProtection
	default:
		return ExitInvalid
	}
}

// populateCreatedAddresses implements the post-processing step for nested
// CREATE/CREATE2 children: go-ethereum's OnExit hook carries no created-
// address field, but a successful CREATE pushes the new address onto the
// parent's stack, which the Engine already captured as the spawning step's
// stackAfter[0] during retro-fill.
func populateCreatedAddresses(f *Frame) {
	for i := range f.Children {
		child := &f.Children[i]
		if (child.Frame.Type == FrameCreate || child.Frame.Type == FrameCreate2) &&
			child.Frame.Result.ExitReason == ExitSuccess &&
			child.StepIndex < len(f.Steps) {
			parentStep := f.Steps[child.StepIndex]
			if len(parentStep.StackAfter) > 0 {
				if addr := addressFromWordHex(parentStep.StackAfter[0]); addr != "" {
					child.Frame.CodeAddress = addr
					child.Frame.Result.DeployedAddress = &addr
				}
			}
		}
		populateCreatedAddresses(child.Frame)
	}
}

func addressFromWordHex(word string) string {
	v := parseHexWord(word)
	if v.IsZero() {
		return ""
	}
	addr := common.BytesToAddress(v.Bytes())
	return strings.ToLower(addr.Hex())
}

// populateMissingCode implements §4.3 post-processing step 1: depth-first,
// fill in any frame whose code is still "0x" from the state manager.
func populateMissingCode(f *Frame, sdb *state.StateDB) {
	if f.Code == "0x" && f.CodeAddress != "" && f.CodeAddress != zeroAddressHex {
		addr := common.HexToAddress(f.CodeAddress)
		if code := sdb.GetCode(addr); len(code) > 0 {
			f.Code = hexBytes(code)
		}
	}
	for _, c := range f.Children {
		populateMissingCode(c.Frame, sdb)
	}
}

const zeroAddressHex = "0x0000000000000000000000000000000000000000"
