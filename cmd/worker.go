package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/zkfuzz/beak/backend"
	"github.com/zkfuzz/beak/rv32"
)

// Worker serves the reference backend over the worker protocol on stdio.
// Logs go to stderr; stdout carries only protocol responses.
func Worker(ctx *cli.Context) error {
	l, err := loggerFromCLI(ctx)
	if err != nil {
		return err
	}
	model, err := rv32.ParseMemoryModel(ctx.String(MemoryModelFlag.Name))
	if err != nil {
		return err
	}
	machine := rv32.DefaultConfig()
	machine.MemoryModel = model
	ref, err := referenceFromCLI(ctx, machine)
	if err != nil {
		return err
	}
	l.Info("Serving worker requests", "backend", ref.Name(), "pid", os.Getpid())
	return backend.Serve(ctx.Context, l, os.Stdin, os.Stdout, ref)
}

var WorkerCommand = &cli.Command{
	Name:        "worker",
	Usage:       "Serve the reference backend as a worker process",
	Description: "Serve the reference backend over line-delimited JSON on stdin and stdout, for use with --backend process",
	Action:      Worker,
	Flags: []cli.Flag{
		MemoryModelFlag, LogLevelFlag,
		RefX0WritableFlag, RefDivByZeroFlag, RefConstrainedFlag, RefUnsupportedFlag, RefDelayFlag,
	},
}
