package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/zkfuzz/beak/fuzz"
)

func writeFindings(findings []fuzz.Finding) {
	if len(findings) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Seed", "Bucket", "Injection", "Result", "Underconstrained"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, f := range findings {
		table.Append([]string{
			fmt.Sprint(f.SeedIndex), f.BucketID, f.InjectKind, string(f.Result), fmt.Sprint(f.Underconstrained),
		})
	}
	table.Render()
}

func Direct(ctx *cli.Context) error {
	l, err := loggerFromCLI(ctx)
	if err != nil {
		return err
	}
	cfg, err := ConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	b, closeBackend, err := BackendFromCLI(ctx, l, cfg.Oracle)
	if err != nil {
		return err
	}
	defer closeBackend()

	m := fuzz.NewMetrics()
	d, err := fuzz.NewDirect(l, cfg, b, m)
	if err != nil {
		return err
	}
	var rep *fuzz.DirectReport
	err = serveMetrics(ctx, l, m, func(runCtx context.Context) error {
		var runErr error
		rep, runErr = d.Run(runCtx)
		return runErr
	})
	if rep != nil {
		writeFindings(rep.Findings)
		rep.Stats.WriteTable(os.Stdout)
		if out := ctx.Path(StatsOutFlag.Name); out != "" {
			if werr := jsonutil.WriteJSON(out, rep); werr != nil {
				return errors.Join(err, fmt.Errorf("failed to write stats: %w", werr))
			}
		}
	}
	if err != nil {
		return err
	}
	return ctx.Context.Err()
}

var DirectCommand = &cli.Command{
	Name:        "direct",
	Usage:       "Run targeted witness injections against the backend",
	Description: "Run each seed once as a baseline, then inject the bucket given by --bucket, or every hit bucket with an injection mapping",
	Action:      Direct,
	Flags:       concatFlags(loopFlags, []cli.Flag{BucketFlag}, backendFlags, runtimeFlags),
}
