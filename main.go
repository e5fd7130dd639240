package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/zkfuzz/beak/cmd"
)

func main() {
	app := cli.NewApp()
	app.Name = "beak"
	app.Usage = "zkVM differential fuzzer"
	app.Description = "Differential fuzzer for RISC-V zkVMs, checked against an RV32IM oracle"
	app.Commands = []*cli.Command{
		cmd.FuzzCommand,
		cmd.DirectCommand,
		cmd.WorkerCommand,
		cmd.OracleCommand,
		cmd.LoadELFCommand,
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			<-c
			cancel()
			_, _ = fmt.Fprintln(os.Stderr, "\r\nExiting...")
		}
	}()

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			_, _ = fmt.Fprintf(os.Stderr, "command interrupted")
			os.Exit(130)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v", err)
			os.Exit(1)
		}
	}
}
