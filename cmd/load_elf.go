package cmd

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/mutate"
	"github.com/zkfuzz/beak/rv32"
)

var (
	LoadELFPathFlag = &cli.PathFlag{
		Name:      "path",
		Usage:     "Path to a 32-bit little-endian RISC-V ELF file",
		TakesFile: true,
		Required:  true,
	}
	LoadELFOutFlag = &cli.PathFlag{
		Name:      "out",
		Usage:     "Append the seed line to this JSONL file instead of stdout",
		TakesFile: true,
	}
)

func LoadELF(ctx *cli.Context) error {
	elfPath := ctx.Path(LoadELFPathFlag.Name)
	elfProgram, err := elf.Open(elfPath)
	if err != nil {
		return fmt.Errorf("failed to open ELF file %q: %w", elfPath, err)
	}
	defer elfProgram.Close()
	prog, err := rv32.LoadELF(elfProgram)
	if err != nil {
		return fmt.Errorf("failed to load ELF program: %w", err)
	}
	words := corpus.Program(prog.Words)
	if len(words) > mutate.MaxProgramLen {
		return fmt.Errorf("program has %d words, more than the %d a seed may hold", len(words), mutate.MaxProgramLen)
	}
	seed := corpus.NewSeed(words, "elf")
	seed.SetMeta(corpus.MetaSource, elfPath)
	seed.SetMeta("entry", HexU32(prog.Entry).String())

	var w *corpus.Writer
	if out := ctx.Path(LoadELFOutFlag.Name); out != "" {
		if w, err = corpus.Append(out); err != nil {
			return err
		}
	} else {
		w = corpus.NewWriter(os.Stdout)
	}
	if err := w.Write(seed); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

var LoadELFCommand = &cli.Command{
	Name:        "load-elf",
	Usage:       "Convert a RISC-V ELF into a seed line",
	Description: "Extract the executable segment holding the entry point of a RV32 ELF and write it as a JSONL seed",
	Action:      LoadELF,
	Flags: []cli.Flag{
		LoadELFPathFlag,
		LoadELFOutFlag,
	},
}
