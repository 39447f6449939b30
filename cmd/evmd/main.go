package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/fvictorio/evmd/internal/asm"
	"github.com/fvictorio/evmd/internal/session"
	"github.com/fvictorio/evmd/internal/trace"
)

// parseBigInt converts a string to a big.Int, accepting either a 0x-prefixed
// hex literal or a plain decimal number.
func parseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n := new(big.Int)
		if _, ok := n.SetString(s[2:], 16); !ok {
			return nil, fmt.Errorf("invalid hex number: %s", s)
		}
		return n, nil
	}
	n := new(big.Int)
	if _, ok := n.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid decimal number: %s", s)
	}
	return n, nil
}

func parseGas(s string) (uint64, error) {
	n, err := parseBigInt(s)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("gas value too large: %s", s)
	}
	return n.Uint64(), nil
}

func readHexArg(c *cli.Context, flag string) (string, error) {
	val := c.String(flag)
	if path := c.String(flag + "-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s file: %w", flag, err)
		}
		val = strings.TrimSpace(string(data))
	}
	return val, nil
}

func runAssemble(c *cli.Context) error {
	source := c.Args().First()
	if source == "" {
		data, err := os.ReadFile(c.String("file"))
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		source = string(data)
	}
	bytecode, err := asm.Assemble(source)
	if err != nil {
		return err
	}
	fmt.Println(bytecode)
	return nil
}

func runDisassemble(c *cli.Context) error {
	bytecode := c.Args().First()
	if bytecode == "" {
		data, err := os.ReadFile(c.String("file"))
		if err != nil {
			return fmt.Errorf("reading bytecode: %w", err)
		}
		bytecode = strings.TrimSpace(string(data))
	}
	mnemonics, err := asm.Disassemble(bytecode)
	if err != nil {
		return err
	}
	fmt.Println(mnemonics)
	return nil
}

func runTrace(c *cli.Context) error {
	bytecode, err := readHexArg(c, "bytecode")
	if err != nil {
		return err
	}
	calldata, err := readHexArg(c, "calldata")
	if err != nil {
		return err
	}
	gas, err := parseGas(c.String("gas"))
	if err != nil {
		return fmt.Errorf("invalid gas: %w", err)
	}
	value, err := parseBigInt(c.String("value"))
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}

	mode := trace.ModeCall
	if c.Bool("deploy") {
		mode = trace.ModeDeploy
	}

	engine := trace.NewEngine()
	tr, err := engine.Execute(trace.ExecutionParams{
		Bytecode: bytecode,
		Calldata: calldata,
		Mode:     mode,
		Value:    value,
		From:     c.String("from"),
		To:       c.String("to"),
		GasLimit: gas,
	})
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	out, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling trace: %w", err)
	}

	outPath := c.String("out")
	if outPath == "" {
		fmt.Println(string(out))
		return nil
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	fmt.Printf("wrote %s\n", outPath)
	return nil
}

func runDebug(c *cli.Context) error {
	bytecode, err := readHexArg(c, "bytecode")
	if err != nil {
		return err
	}
	calldata, err := readHexArg(c, "calldata")
	if err != nil {
		return err
	}
	gas, err := parseGas(c.String("gas"))
	if err != nil {
		return fmt.Errorf("invalid gas: %w", err)
	}

	mode := trace.ModeCall
	if c.Bool("deploy") {
		mode = trace.ModeDeploy
	}

	engine := trace.NewEngine()
	tr, err := engine.Execute(trace.ExecutionParams{
		Bytecode: bytecode,
		Calldata: calldata,
		Mode:     mode,
		GasLimit: gas,
	})
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	sess := session.New(tr)
	fmt.Printf("loaded %d steps (including frame markers)\n", sess.TotalSteps())
	for {
		step := sess.CurrentStep()
		if step == nil {
			fmt.Printf("[%d] %s: <frame end>\n", sess.GlobalStepIndex(), sess.CurrentFrame().ID)
		} else {
			fmt.Printf("[%d] %s pc=%d %s gas=%d stack=%v\n",
				sess.GlobalStepIndex(), sess.CurrentFrame().ID, step.PC, step.Mnemonic, step.GasRemaining, step.Stack)
		}
		if !sess.StepForward() {
			break
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "evmd",
		Usage: "assemble, disassemble, run, and step-debug EVM bytecode",
		Commands: []*cli.Command{
			{
				Name:      "assemble",
				Usage:     "Assemble mnemonic source into hex bytecode",
				ArgsUsage: "[source]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Usage: "Read source from a file instead of an argument"},
				},
				Action: runAssemble,
			},
			{
				Name:      "disassemble",
				Usage:     "Disassemble hex bytecode into mnemonic source",
				ArgsUsage: "[bytecode]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Usage: "Read bytecode from a file instead of an argument"},
				},
				Action: runDisassemble,
			},
			{
				Name:  "trace",
				Usage: "Execute bytecode and write its full step trace as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bytecode", Usage: "Bytecode hex"},
					&cli.StringFlag{Name: "bytecode-file", Usage: "Path to a file containing bytecode hex"},
					&cli.StringFlag{Name: "calldata", Usage: "Calldata hex"},
					&cli.StringFlag{Name: "calldata-file", Usage: "Path to a file containing calldata hex"},
					&cli.StringFlag{Name: "value", Value: "0", Usage: "Wei value to transfer"},
					&cli.StringFlag{Name: "from", Usage: "Caller address"},
					&cli.StringFlag{Name: "to", Usage: "Target address (call mode only)"},
					&cli.StringFlag{Name: "gas", Value: "30000000", Usage: "Gas limit"},
					&cli.BoolFlag{Name: "deploy", Usage: "Treat bytecode as initcode and run in deploy mode"},
					&cli.StringFlag{Name: "out", Value: "trace.json", Usage: "Output file (empty for stdout)"},
				},
				Action: runTrace,
			},
			{
				Name:  "debug",
				Usage: "Execute bytecode and walk its trace step by step",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bytecode", Usage: "Bytecode hex"},
					&cli.StringFlag{Name: "bytecode-file", Usage: "Path to a file containing bytecode hex"},
					&cli.StringFlag{Name: "calldata", Usage: "Calldata hex"},
					&cli.StringFlag{Name: "calldata-file", Usage: "Path to a file containing calldata hex"},
					&cli.StringFlag{Name: "gas", Value: "30000000", Usage: "Gas limit"},
					&cli.BoolFlag{Name: "deploy", Usage: "Treat bytecode as initcode and run in deploy mode"},
				},
				Action: runDebug,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
