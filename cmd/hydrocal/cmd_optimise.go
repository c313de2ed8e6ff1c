package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/hydrocal/internal/campaign"
	"github.com/copyleftdev/hydrocal/internal/checkpoint"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/harness"
	"github.com/copyleftdev/hydrocal/internal/ledger"
	"github.com/copyleftdev/hydrocal/internal/logging"
	"github.com/copyleftdev/hydrocal/internal/optimization"
	"github.com/copyleftdev/hydrocal/internal/optimization/evolution"
	"github.com/copyleftdev/hydrocal/internal/runner"
	"github.com/copyleftdev/hydrocal/internal/sandbox"
	"github.com/copyleftdev/hydrocal/internal/server"
)

func runOptimise(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := checkExecutables(cfg); err != nil {
		return err
	}
	p, err := loadProject(args[0])
	if err != nil {
		return err
	}
	names := p.space.Names()
	log := logger.WithField("catchment", p.doc.Catchment)

	sandboxes, err := sandbox.New(p.paths.Runs, p.paths.Template, log)
	if err != nil {
		return err
	}
	if left, err := sandboxes.Leftovers(); err == nil && len(left) > 0 {
		log.Warn("Run directories left over from an earlier campaign", map[string]interface{}{
			"count": len(left),
			"path":  sandboxes.Root(),
		})
	}

	index, err := ledger.OpenIndex(p.paths.Index)
	if err != nil {
		return apperr.E(apperr.KindConfiguration, "optimise", "OpenIndex", err)
	}
	defer index.Close()
	results, err := ledger.Open(p.paths.Ledger, names, ledger.WithIndex(index), ledger.WithLogger(log))
	if err != nil {
		return err
	}
	defer results.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coordinator, err := harness.New(harness.Deps{
		Space:     p.space,
		Master:    p.master,
		Model:     harness.ModelFrom(cfg.Model.PreprocessorPath, cfg.Model.SimulatorPath, p.doc.Model),
		Sandboxes: sandboxes,
		Runner:    runner.New(logging.NewZapLogger(log), runner.WithTimeout(cfg.Model.Timeout)),
		Scorer:    p.evaluator,
		Recorder:  results,
		Metrics:   harness.NewMetrics(reg),
		Logger:    log,
	})
	if err != nil {
		return err
	}

	evoCfg := evolution.DefaultConfig(optimization.NewBounds(p.space.Lower(), p.space.Upper()))
	evoCfg.PopulationSize = cfg.Campaign.PopulationSize
	evoCfg.Seed = cfg.Campaign.Seed
	optimizer, err := evolution.New(evoCfg)
	if err != nil {
		return apperr.E(apperr.KindConfiguration, "optimise", "evolution.New", err)
	}

	store := checkpoint.NewStore(p.paths.Checkpoint)
	run, err := campaign.New(campaign.Config{
		Problem:     coordinator,
		Optimizer:   optimizer,
		Checkpoints: store,
		Parameters:  names,
		Generations: cfg.Campaign.Generations,
		Workers:     cfg.WorkerCount(),
		Registerer:  reg,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	if resume {
		resumed, err := run.Resume()
		if err != nil {
			return err
		}
		if !resumed {
			log.Info("No checkpoint found; starting a new campaign", map[string]interface{}{"path": store.Path()})
		}
	}

	if cfg.Status.Addr != "" {
		srv := server.NewServer(server.Options{
			Addr:       cfg.Status.Addr,
			Parameters: names,
			Status:     run,
			Runs:       index,
			Gatherer:   reg,
			Logger:     log,
		})
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Status.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("Status server forced to shut down")
			}
		}()
	}

	log.Info("Starting campaign", map[string]interface{}{
		"parameters":  len(names),
		"population":  cfg.Campaign.PopulationSize,
		"generations": cfg.Campaign.Generations,
		"workers":     cfg.WorkerCount(),
		"timeout":     cfg.Model.Timeout.String(),
	})

	summary, err := run.Run(ctx)
	if err != nil {
		return err
	}

	if left, err := sandboxes.Leftovers(); err == nil && len(left) > 0 {
		log.Warn("Run directories were not cleaned up", map[string]interface{}{"count": len(left)})
	}

	out := cmd.OutOrStdout()
	if summary.Interrupted {
		fmt.Fprintf(out, "Interrupted after generation %d; resume with --resume.\n", summary.Generations)
	}
	fmt.Fprintf(out, "%d evaluations over %d generations in %s; %d solutions on the front.\n",
		summary.Evaluated, summary.Generations, summary.Elapsed.Round(time.Second), len(summary.Front))
	return nil
}
