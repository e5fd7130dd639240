package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zkfuzz/beak/bandit"
	"github.com/zkfuzz/beak/fuzz"
	"github.com/zkfuzz/beak/mutate"
)

// serveMetrics runs fn while serving m on --metrics.addr. A failing server
// cancels fn; fn returning shuts the server down.
func serveMetrics(ctx *cli.Context, logger log.Logger, m *fuzz.Metrics, fn func(ctx context.Context) error) error {
	addr := ctx.String(MetricsAddrFlag.Name)
	if addr == "" {
		return fn(ctx.Context)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx.Context)
	g.Go(func() error {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to stop metrics server", "err", err)
			}
		}()
		return fn(gctx)
	})
	return g.Wait()
}

type fuzzSummary struct {
	Outputs fuzz.Outputs `json:"outputs"`
	Stats   *fuzz.Stats  `json:"stats"`
	Arms    []bandit.Arm `json:"arms"`
}

func Fuzz(ctx *cli.Context) error {
	if ctx.Bool(PProfCPUFlag.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}
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
	loop, err := fuzz.NewLoop(l, cfg, b, mutate.Default(), m)
	if err != nil {
		return err
	}
	var stats *fuzz.Stats
	err = serveMetrics(ctx, l, m, func(runCtx context.Context) error {
		var runErr error
		stats, runErr = loop.Run(runCtx)
		return runErr
	})
	if stats != nil {
		stats.WriteTable(os.Stdout)
		if out := ctx.Path(StatsOutFlag.Name); out != "" {
			summary := &fuzzSummary{Outputs: loop.Outputs(), Stats: stats, Arms: loop.Bandit().Arms()}
			if werr := jsonutil.WriteJSON(out, summary); werr != nil {
				return errors.Join(err, fmt.Errorf("failed to write stats: %w", werr))
			}
		}
		l.Info("Outputs", "corpus", loop.Outputs().Corpus, "bugs", loop.Outputs().Bugs)
	}
	if err != nil {
		return err
	}
	return ctx.Context.Err()
}

var FuzzCommand = &cli.Command{
	Name:        "fuzz",
	Usage:       "Run the coverage-guided differential fuzz loop",
	Description: "Mutate seed programs, compare the backend against the RV32IM oracle, and keep programs with new bucket signatures",
	Action:      Fuzz,
	Flags:       concatFlags(loopFlags, backendFlags, runtimeFlags),
}
