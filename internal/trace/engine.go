package trace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// DefaultGasLimit is used whenever ExecutionParams.GasLimit is left at zero.
const DefaultGasLimit uint64 = 30_000_000

// The default sender/target pair matches the convention the sdks/go test
// fixtures use for addresses that carry no real-world meaning of their own.
const (
	defaultFromAddr = "0x1000000000000000000000000000000000000000"
	defaultToAddr   = "0x1000000000000000000000000000000000000001"
)

// preFundedBalance is credited to the sender before every Execute call so a
// CALL carrying value never fails purely for lack of funds.
var preFundedBalance = new(uint256.Int).Mul(
	uint256.NewInt(1_000_000_000),
	uint256.NewInt(1_000_000_000_000_000_000),
)

// BlockOverrides lets a caller tweak the block context opcodes like NUMBER,
// TIMESTAMP, BASEFEE, COINBASE, GASLIMIT and PREVRANDAO observe.
type BlockOverrides struct {
	Number     *big.Int
	Timestamp  uint64
	BaseFee    *big.Int
	Coinbase   string
	GasLimit   uint64
	Difficulty *big.Int
	PrevRandao *string
}

// ExecutionParams configures one Engine.Execute call.
type ExecutionParams struct {
	Bytecode string
	Mode     Mode
	Calldata string
	Value    *big.Int
	From     string
	To       string
	GasLimit uint64
	Block    *BlockOverrides
}

// AccountState is one account's observable state, for getState/setState.
type AccountState struct {
	Balance *big.Int
	Nonce   uint64
	Code    string
	Storage map[string]string
}

// WorldState is a snapshot of every account the Engine has touched.
type WorldState struct {
	Accounts map[string]AccountState
}

// StateModifications describes a requested world-state write.
type StateModifications struct {
	Accounts map[string]AccountState
}

// Engine drives a real EVM interpreter to completion over one execution and
// reifies its event stream into an immutable Trace. It owns a persistent
// world state across calls, the way a long-lived debugging session would.
type Engine struct {
	mu    sync.Mutex
	db    state.Database
	state *state.StateDB
}

// NewEngine constructs an Engine over a fresh, empty in-memory world state.
func NewEngine() *Engine {
	e := &Engine{db: state.NewDatabase(rawdb.NewMemoryDatabase())}
	e.resetStateLocked()
	return e
}

func (e *Engine) resetStateLocked() {
	sdb, err := state.New(types.EmptyRootHash, e.db, nil)
	if err != nil {
		panic(fmt.Sprintf("trace: failed to initialize state: %v", err))
	}
	e.state = sdb
}

// ResetState discards all accumulated world state.
func (e *Engine) ResetState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetStateLocked()
}

// GetState is declared on the Engine boundary but left unimplemented: a
// full account/storage enumeration needs a trie iterator this Engine has no
// present caller for.
func (e *Engine) GetState() (*WorldState, error) {
	return nil, ErrNotImplemented
}

// SetState is declared on the Engine boundary but left unimplemented for the
// same reason as GetState.
func (e *Engine) SetState(StateModifications) error {
	return ErrNotImplemented
}

// Execute runs one call or deploy to completion and returns its Trace.
//
// A failed Execute (non-nil error) leaves the Engine's world state exactly
// as it was before the call. A successful Execute commits state changes
// regardless of whether the root frame itself reverted, matching a real EVM
// CALL/CREATE: only execution paths that never reach an interpretable frame
// are treated as Engine-level failures.
func (e *Engine) Execute(p ExecutionParams) (*Trace, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := p.Mode
	if mode == "" {
		mode = ModeCall
	}

	bytecodeHex, err := normalizeHexInput(p.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("invalid bytecode: %w", err)
	}
	calldataHex, err := normalizeHexInput(p.Calldata)
	if err != nil {
		return nil, fmt.Errorf("invalid calldata: %w", err)
	}

	execHex, appendedStop := appendTerminalStop(bytecodeHex)
	execBytes, _ := hex.DecodeString(strings.TrimPrefix(execHex, "0x"))
	calldataBytes, _ := hex.DecodeString(strings.TrimPrefix(calldataHex, "0x"))

	value := p.Value
	if value == nil {
		value = big.NewInt(0)
	}
	from := p.From
	if from == "" {
		from = defaultFromAddr
	}
	to := p.To
	if to == "" {
		to = defaultToAddr
	}
	gasLimit := p.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)

	snap := e.state.Snapshot()
	e.state.AddBalance(fromAddr, preFundedBalance, tracing.BalanceChangeUnspecified)

	builder := newFrameBuilder(mode, bytecodeHex, e.state)

	cfg := &runtime.Config{
		Origin:      fromAddr,
		State:       e.state,
		GasLimit:    gasLimit,
		GasPrice:    big.NewInt(0),
		Value:       value,
		ChainConfig: params.AllDevChainProtocolChanges,
		EVMConfig:   vmConfigWithTracer(builder.hooks()),
	}
	applyBlockOverrides(cfg, p.Block)

	switch mode {
	case ModeDeploy:
		createdAddr, _, _, _ := runtime.Create(execBytes, cfg)
		if builder.root != nil && builder.root.Result.ExitReason == ExitSuccess {
			addrHex := strings.ToLower(createdAddr.Hex())
			builder.root.CodeAddress = addrHex
			builder.root.Result.DeployedAddress = &addrHex
		}
	default:
		e.state.SetCode(toAddr, execBytes)
		_, _, _ = runtime.Call(toAddr, calldataBytes, cfg)
	}

	tr, buildErr := builder.finish(appendedStop)
	if buildErr != nil {
		e.state.RevertToSnapshot(snap)
		return nil, buildErr
	}
	return tr, nil
}

// finish performs §4.3's post-processing pass: fill in code the builder
// never observed directly, strip the synthetic terminal STOP, validate that
// at least one real step was produced, and resolve nested created addresses.
func (b *frameBuilder) finish(appendedStop bool) (*Trace, error) {
	if b.root == nil {
		return nil, &InterpreterError{Err: errors.New("interpreter never entered the root frame")}
	}

	populateMissingCode(b.root, b.state)

	if appendedStop {
		if n := len(b.root.Steps); n > 0 && b.root.Steps[n-1].Opcode == 0x00 {
			b.root.Steps = b.root.Steps[:n-1]
		}
	}
	if len(b.root.Steps) == 0 {
		return nil, ErrNoStepsProduced
	}

	populateCreatedAddresses(b.root)

	return &Trace{
		Root: b.root,
		Metadata: TraceMetadata{
			Mode:            b.mode,
			Success:         b.root.Result.ExitReason == ExitSuccess,
			ReturnData:      b.root.Result.ReturnData,
			GasUsed:         b.root.Result.GasUsed,
			DeployedAddress: b.root.Result.DeployedAddress,
		},
	}, nil
}

// appendTerminalStop implements §4.3's bytecode normalization: bytecode not
// already ending on STOP/RETURN/REVERT/INVALID/SELFDESTRUCT gets a synthetic
// STOP appended, so the interpreter always reaches a clean frame exit.
func appendTerminalStop(bytecodeHex string) (execHex string, appended bool) {
	body := strings.TrimPrefix(bytecodeHex, "0x")
	if len(body) == 0 {
		return "0x00", true
	}
	switch body[len(body)-2:] {
	case "00", "f3", "fd", "fe", "ff":
		return bytecodeHex, false
	default:
		return bytecodeHex + "00", true
	}
}

func normalizeHexInput(s string) (string, error) {
	if s == "" {
		return "0x", nil
	}
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	body = strings.ToLower(body)
	if len(body)%2 != 0 {
		return "", fmt.Errorf("odd-length hex string %q", s)
	}
	for _, r := range body {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return "", fmt.Errorf("non-hex character %q in %q", r, s)
		}
	}
	return "0x" + body, nil
}

func vmConfigWithTracer(h *tracing.Hooks) vm.Config {
	return vm.Config{Tracer: h}
}

func applyBlockOverrides(cfg *runtime.Config, b *BlockOverrides) {
	if b == nil {
		return
	}
	if b.Number != nil {
		cfg.BlockNumber = b.Number
	}
	if b.Timestamp != 0 {
		cfg.Time = b.Timestamp
	}
	if b.BaseFee != nil {
		cfg.BaseFee = b.BaseFee
	}
	if b.Coinbase != "" {
		cfg.Coinbase = common.HexToAddress(b.Coinbase)
	}
	if b.Difficulty != nil {
		cfg.Difficulty = b.Difficulty
	}
	if b.PrevRandao != nil {
		h := common.HexToHash(*b.PrevRandao)
		cfg.Random = &h
	}
	if b.GasLimit != 0 {
		// runtime.Config has one GasLimit field backing both the call's
		// available gas and vm.BlockContext.GasLimit (what the GASLIMIT
		// opcode reads), so a block gas limit override replaces it outright.
		cfg.GasLimit = b.GasLimit
	}
}
