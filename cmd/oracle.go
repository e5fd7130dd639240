package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/zkfuzz/beak/riscv"
	"github.com/zkfuzz/beak/rv32"
)

// OracleOutput is the final state of one oracle run.
type OracleOutput struct {
	Steps        uint64             `json:"steps"`
	Halt         rv32.HaltReason    `json:"halt"`
	Fault        string             `json:"fault,omitempty"`
	PC           HexU32             `json:"pc"`
	Registers    map[string]HexU32  `json:"registers"`
	Memory       map[HexU32]uint8   `json:"memory,omitempty"`
	DecodeErrors []rv32.DecodeError `json:"decodeErrors,omitempty"`
	Digest       common.Hash        `json:"digest"`
}

func newOracleOutput(res *rv32.Result) *OracleOutput {
	out := &OracleOutput{
		Steps:        res.Steps,
		Halt:         res.Halt,
		PC:           HexU32(res.State.PC),
		Registers:    make(map[string]HexU32),
		DecodeErrors: res.DecodeErrors,
		Digest:       res.State.Digest(),
	}
	if res.Fault != nil {
		out.Fault = res.Fault.Error()
	}
	for i := uint32(0); i < riscv.RegCount; i++ {
		if v := res.State.Reg(i); v != 0 {
			out.Registers[riscv.ABINames[i]] = HexU32(v)
		}
	}
	if mem := res.State.Memory.NonZero(); len(mem) > 0 {
		out.Memory = make(map[HexU32]uint8, len(mem))
		for addr, b := range mem {
			out.Memory[HexU32(addr)] = b
		}
	}
	return out
}

var OracleOutFlag = &cli.PathFlag{
	Name:      "out",
	Usage:     "Write the final state JSON to this file instead of stdout",
	TakesFile: true,
}

func Oracle(ctx *cli.Context) error {
	l, err := loggerFromCLI(ctx)
	if err != nil {
		return err
	}
	words, err := inlineWords(ctx)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return errors.New("no program: pass --words or --asm")
	}
	model, err := rv32.ParseMemoryModel(ctx.String(MemoryModelFlag.Name))
	if err != nil {
		return err
	}
	cfg := rv32.DefaultConfig()
	cfg.MemoryModel = model
	o, err := rv32.NewOracle(cfg)
	if err != nil {
		return err
	}
	res, err := o.Execute(words, ctx.Uint64(BudgetFlag.Name))
	if err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}
	l.Info("Oracle run", "steps", res.Steps, "halt", res.Halt, "pc", HexU32(res.State.PC),
		"decode_errors", len(res.DecodeErrors), "mem", res.State.Memory.Usage())

	out := newOracleOutput(res)
	if path := ctx.Path(OracleOutFlag.Name); path != "" {
		return jsonutil.WriteJSON(path, out)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var OracleCommand = &cli.Command{
	Name:        "oracle",
	Usage:       "Run a program on the RV32IM oracle",
	Description: "Run a program on the RV32IM oracle and print its final registers, memory and state digest",
	Action:      Oracle,
	Flags: []cli.Flag{
		WordsFlag, AsmFlag, BudgetFlag, MemoryModelFlag, OracleOutFlag, LogLevelFlag,
	},
}
