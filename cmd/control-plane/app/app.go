// SPDX-License-Identifier: Apache-2.0

// Package app wires the control plane's components into one process
// behind a single cobra root command.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/infralink/control-plane/internal/apis/core"
	"github.com/infralink/control-plane/internal/autoscaling/clusterautoscaler"
	"github.com/infralink/control-plane/internal/autoscaling/hpa"
	"github.com/infralink/control-plane/internal/autoscaling/vpa"
	"github.com/infralink/control-plane/internal/events"
	"github.com/infralink/control-plane/internal/gc"
	"github.com/infralink/control-plane/internal/kubelet"
	"github.com/infralink/control-plane/internal/metrics"
	"github.com/infralink/control-plane/internal/runtime"
	"github.com/infralink/control-plane/internal/runtime/dockerruntime"
	"github.com/infralink/control-plane/internal/scheduler"
	"github.com/infralink/control-plane/internal/serviceregistry"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/internal/volume"
	"github.com/infralink/control-plane/internal/volume/provisioner/hostpath"
	"github.com/infralink/control-plane/pkg/config"
	"github.com/infralink/control-plane/pkg/log"
)

// Options holds the flags NewCommand binds; they seed config.Load's
// environment-override pass.
type Options struct {
	ConfigFile        string
	UseDocker         bool
	HostPathDir       string
	BootstrapManifest string
}

// NewCommand builds the "control-plane" root cobra.Command.
func NewCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "control-plane",
		Short: "Run the control plane's reconciling components in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.Flags())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ConfigFile, "config", "", "path to a ComponentConfig YAML file")
	flags.BoolVar(&opts.UseDocker, "use-docker-runtime", false, "run containers against a real Docker Engine instead of the in-memory fake")
	flags.StringVar(&opts.HostPathDir, "hostpath-dir", "/var/lib/control-plane/volumes", "base directory for the HostPath StorageProvider")
	flags.StringVar(&opts.BootstrapManifest, "bootstrap-manifest", "", "optional YAML manifest of objects to seed the store with at startup")

	return cmd
}

func run(ctx context.Context, opts *Options, flags *pflag.FlagSet) error {
	cfg, err := config.Load(opts.ConfigFile, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := log.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := store.New(cfg.Store.WatchHistorySize)
	recorder := events.NewRecorder(st)

	if opts.BootstrapManifest != "" {
		if err := seedStore(st, opts.BootstrapManifest); err != nil {
			return fmt.Errorf("seeding store from %s: %w", opts.BootstrapManifest, err)
		}
	}

	rt, err := selectRuntime(opts)
	if err != nil {
		return err
	}

	metricsCollector := metrics.New(st, rt, logger)
	metricsCollector.Start(ctx)
	customMetrics := metrics.NewCustomRegistry(0)

	sched := scheduler.New(st, logger, recorder)
	deploymentCtrl := scheduler.NewDeploymentController(st, logger, recorder)
	kubeletCtrl := kubelet.New(st, rt, logger, recorder)

	hpaCtrl := hpa.New(st, metricsCollector, customMetrics, logger, recorder)
	vpaCtrl := vpa.New(st, metricsCollector, logger, recorder)
	caCtrl := clusterautoscaler.New(st, sched, logger, recorder)

	hostPathProvider, err := hostpath.New(opts.HostPathDir)
	if err != nil {
		return fmt.Errorf("initializing hostpath provisioner: %w", err)
	}
	binder := volume.New(st, logger, recorder)
	binder.RegisterProvider("hostpath", hostPathProvider)

	zone := serviceregistry.NewZone()
	registry := serviceregistry.New(st, zone, logger)

	gcCtrl := gc.New(st, logger)

	group := componentGroup{log: logger}
	group.goComponent("scheduler", func() error { return sched.Start(ctx, cfg.Workers.Scheduler) })
	group.goComponent("deployment-controller", func() error { return deploymentCtrl.Start(ctx, cfg.Workers.Scheduler) })
	group.goComponent("kubelet", func() error { return kubeletCtrl.Start(ctx, cfg.Workers.Kubelet) })
	group.goComponent("hpa-controller", func() error { return hpaCtrl.Start(ctx, cfg.Workers.HPA) })
	group.goComponent("vpa-controller", func() error { return vpaCtrl.Start(ctx, cfg.Workers.HPA) })
	group.goComponent("volume-binder", func() error { return binder.Start(ctx, cfg.Workers.Volume) })
	group.goComponent("service-registry", func() error { return registry.Start(ctx, cfg.Workers.Registry) })
	group.goComponent("gc-controller", func() error { return gcCtrl.Start(ctx, cfg.Workers.GC) })

	go caCtrl.Start(ctx)

	logger.Info("control plane started")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining", "grace", time.Duration(cfg.ShutdownGraceSeconds)*time.Second)

	return group.wait(time.Duration(cfg.ShutdownGraceSeconds) * time.Second)
}

// seedStore loads a YAML manifest (possibly multi-document) and creates
// every object it declares, so a cluster can be brought up with nodes,
// storage classes and workloads before any API layer is attached.
func seedStore(st *store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	objs, err := core.DecodeManifest(data)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		if err := st.Create(obj); err != nil {
			m := obj.GetObjectMeta()
			return fmt.Errorf("creating %s %s/%s: %w", obj.GetKind(), m.Namespace, m.Name, err)
		}
	}
	return nil
}

// selectRuntime picks the Runtime implementation: the in-memory Fake
// by default, or dockerruntime when explicitly requested. Variants are
// selected here at startup; downstream code sees only the capability
// contract.
func selectRuntime(opts *Options) (runtime.Runtime, error) {
	if !opts.UseDocker {
		return runtime.NewFake(), nil
	}
	rt, err := dockerruntime.New()
	if err != nil {
		return nil, fmt.Errorf("connecting to docker runtime: %w", err)
	}
	return rt, nil
}

// componentGroup runs each component's blocking Start in its own
// goroutine and logs every non-nil, non-context-cancellation error, so
// one component failing to start surfaces instead of hanging silently.
// Those errors are not returned; wait reports only an elapsed grace
// period.
type componentGroup struct {
	log   interface {
		Error(err error, msg string, kv ...interface{})
	}
	errs []error
	done chan struct{}
	n    int
}

func (g *componentGroup) goComponent(name string, fn func() error) {
	if g.done == nil {
		g.done = make(chan struct{}, 32)
	}
	g.n++
	go func() {
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error(err, "component exited with error", "component", name)
		}
		g.done <- struct{}{}
	}()
}

// wait blocks until every goComponent goroutine has returned, or grace
// elapses first.
func (g *componentGroup) wait(grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	remaining := g.n
	for remaining > 0 {
		select {
		case <-g.done:
			remaining--
		case <-timer.C:
			return fmt.Errorf("shutdown grace period elapsed with %d component(s) still running", remaining)
		}
	}
	return nil
}
