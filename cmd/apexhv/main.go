// Command apexhv runs a partitioned module: it validates the configuration,
// spawns every partition in its own isolated context and drives the cyclic
// schedule until interrupted or shut down by the health monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"apexhv/internal/hypervisor"
	"apexhv/internal/hypervisor/config"
	"apexhv/internal/hypervisor/health"
	"apexhv/internal/hypervisor/isolation"
	"apexhv/internal/hypervisor/journal"
	"apexhv/internal/hypervisor/metrics"
	"apexhv/internal/hypervisor/status"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitShutdown = 2

	journalFlushTimeout = 3 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("apexhv", flag.ContinueOnError)
	flags.SetOutput(stderr)
	check := flags.Bool("check", false, "Validate the configuration and print the window table")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: apexhv [-check] <config.yaml>\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return exitFailure
	}
	configPath := defaultConfigPath
	if flags.NArg() > 0 {
		configPath = flags.Arg(0)
	}

	model, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return exitFailure
	}
	if *check {
		if err := printModel(stdout, model); err != nil {
			fmt.Fprintf(stderr, "print schedule failed: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	appCfg, err := loadAppConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load app config failed: %v\n", err)
		return exitFailure
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(stderr, "init logger failed: %v\n", err)
		return exitFailure
	}
	defer func() {
		_ = logger.Sync()
	}()

	bootID := uuid.NewString()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithBootID(ctx, bootID)

	return serve(ctx, model, appCfg, bootID)
}

func serve(ctx context.Context, model *config.Model, appCfg *AppConfig, bootID string) int {
	manager, err := isolation.NewManager(appCfg.isolationConfig(model.Cgroup))
	if err != nil {
		logger.Error(ctx, "init isolation manager failed", zap.Error(err))
		return exitFailure
	}

	var collector metrics.Collector = metrics.NewNoop()
	var prom *metrics.Prometheus
	if appCfg.Status.Enabled() {
		prom = metrics.NewPrometheus("apexhv")
		collector = prom
	}

	var sinks []health.Sink
	if appCfg.Journal.Enabled() {
		j, err := journal.New(ctx, appCfg.Journal, bootID)
		if err != nil {
			logger.Error(ctx, "init fault journal failed", zap.Error(err))
			_ = manager.Close(ctx)
			return exitFailure
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalFlushTimeout)
			defer cancel()
			if err := j.Close(flushCtx); err != nil {
				logger.Warn(ctx, "close fault journal failed", zap.Error(err))
			}
		}()
		sinks = append(sinks, j)
	}

	hv, err := hypervisor.New(hypervisor.Options{
		Model:     model,
		Isolation: manager,
		Metrics:   collector,
		Sinks:     sinks,
		BootID:    bootID,
	})
	if err != nil {
		logger.Error(ctx, "init hypervisor failed", zap.Error(err))
		_ = manager.Close(ctx)
		return exitFailure
	}

	statusCtx, cancelStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	if appCfg.Status.Enabled() {
		srv := status.NewServer(appCfg.Status, hv, status.Options{Metrics: prom.Handler(), BootID: bootID})
		go func() {
			defer close(statusDone)
			if err := srv.Serve(statusCtx); err != nil {
				logger.Error(ctx, "status server stopped", zap.Error(err))
			}
		}()
	} else {
		close(statusDone)
	}
	defer func() {
		cancelStatus()
		<-statusDone
	}()

	err = hv.Run(ctx)
	switch {
	case err == nil:
		logger.Info(ctx, "module stopped")
		return exitOK
	case hypervisor.IsModuleShutdown(err):
		logger.Error(ctx, "module shut down by health monitor", zap.Error(err))
		return exitShutdown
	default:
		logger.Error(ctx, "module failed", zap.Error(err), zap.Int("code", int(apperrors.GetCode(err))))
		return exitFailure
	}
}

// printModel writes the expanded window table and channel list.
func printModel(w io.Writer, model *config.Model) error {
	windows, err := model.Schedule.Windows()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "major frame\t%s\n\n", model.Schedule.MajorFrame)
	fmt.Fprintf(tw, "WINDOW\tPARTITION\tID\tSTART\tEND\tDURATION\n")
	for _, win := range windows {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
			win.Index, win.Name, win.PartitionID, win.Start, win.End, win.End-win.Start)
	}
	if len(model.Channels) > 0 {
		fmt.Fprintf(tw, "\nCHANNEL\tKIND\tMSG SIZE\tSOURCE\tDESTINATIONS\n")
		for _, ch := range model.Channels {
			dests := ""
			for i, d := range ch.Destinations {
				if i > 0 {
					dests += ","
				}
				dests += d.String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				ch.Name, ch.Kind, humanize.IBytes(uint64(ch.MsgSize)), ch.Source.String(), dests)
		}
	}
	return tw.Flush()
}
