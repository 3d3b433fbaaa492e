package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"fixengine/internal/admin"
	"fixengine/internal/dispatch"
	"fixengine/internal/obs"
	"fixengine/internal/ops"
	"fixengine/internal/registry"
	"fixengine/internal/schema"
	"fixengine/internal/transport"
	"fixengine/internal/venue"
	"fixengine/pkg/exception"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "fixengine.yaml", "Path to config (json, yaml or toml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Printf("fixengine: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loaded, err := ops.Load(configPath)
	if err != nil {
		return err
	}
	log.Printf("fixengine %s: %d sessions, %s store", loaded.Engine, len(loaded.Sessions), loaded.Store.Kind)

	stopProfiler, err := startProfiler(loaded)
	if err != nil {
		return err
	}
	defer stopProfiler()

	factory, err := ops.OpenStore(context.Background(), loaded.Store)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := obs.NewPrometheus(promReg)
	if err != nil {
		_ = factory.Close()
		return err
	}
	metrics := obs.NewMetrics()

	// Sessions outlive the components feeding them so that shutdown can stop
	// redials and accepts first and then log every session out.
	sessionCtx, stopSessions := context.WithCancel(context.Background())
	defer stopSessions()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reg *registry.Registry
	app, err := venue.New(loaded.Engine, func(id schema.SessionID) (venue.Sender, bool) {
		s, ok := reg.Lookup(id)
		if !ok {
			return nil, false
		}
		return s, true
	})
	if err != nil {
		_ = factory.Close()
		return err
	}
	router := dispatch.NewRouter()
	if err := app.Register(router); err != nil {
		_ = factory.Close()
		return err
	}
	router.SetFallback(app)
	reg = registry.New(sessionCtx, factory, router, app, obs.Multi(metrics, prom))

	g, gctx := errgroup.WithContext(ctx)
	if err := start(gctx, g, loaded, reg, promReg); err != nil {
		cancel()
		_ = g.Wait()
		_ = reg.Close(context.Background())
		return err
	}

	select {
	case <-sys.Shutdown():
		log.Printf("fixengine: shutting down")
	case <-gctx.Done():
		log.Printf("fixengine: component stopped, shutting down")
	}

	cancel()
	runErr := g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	closeErr := reg.Close(closeCtx)
	stopSessions()

	snap := metrics.Snapshot()
	log.Printf("fixengine: in %d, out %d, resent %d, malformed %d, duplicates %d",
		snap.MessagesIn, snap.MessagesOut, snap.Resent, snap.Malformed, snap.Duplicates)
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func start(ctx context.Context, g *errgroup.Group, loaded ops.Loaded, reg *registry.Registry, promReg *prometheus.Registry) error {
	for _, spec := range loaded.Sessions {
		s, err := reg.Create(ctx, spec.Session)
		if err != nil {
			return err
		}
		if spec.Dial == nil {
			continue
		}
		in, err := transport.NewInitiator(*spec.Dial, s)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := in.Run(ctx)
			if errors.Is(err, exception.ErrSessionHalted) {
				logs.Errorf("%s: halted, operator reset required", s.ID())
				return nil
			}
			return err
		})
	}

	if loaded.Acceptor != nil {
		acc, err := transport.NewAcceptor(*loaded.Acceptor, reg)
		if err != nil {
			return err
		}
		if err := acc.Listen(); err != nil {
			return err
		}
		g.Go(func() error {
			return acc.Serve(ctx)
		})
	}

	if loaded.Admin != "" {
		srv, err := admin.NewServer(loaded.Admin, reg)
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Serve(ctx)
		})
	}

	if loaded.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: loaded.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Printf("fixengine: metrics on %s", loaded.Metrics)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	return nil
}

func startProfiler(loaded ops.Loaded) (func(), error) {
	if !loaded.Profiling.Enabled {
		return func() {}, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "fixengine." + loaded.Engine,
		ServerAddress:   loaded.Profiling.Server,
		Logger:          profilerLogger{},
		Tags: map[string]string{
			"engine": loaded.Engine,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = profiler.Stop()
	}, nil
}

// profilerLogger routes pyroscope output through the engine's logger.
type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (profilerLogger) Debugf(string, ...interface{})             {}
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
