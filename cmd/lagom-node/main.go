// Command lagom-node hosts the Greeter service and, with -call, invokes it
// through the configured registry and balancer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jon-ruckwood/lagom/client"
	"github.com/jon-ruckwood/lagom/codec"
	"github.com/jon-ruckwood/lagom/config"
	"github.com/jon-ruckwood/lagom/loadbalance"
	"github.com/jon-ruckwood/lagom/middleware"
	"github.com/jon-ruckwood/lagom/observability"
	"github.com/jon-ruckwood/lagom/registry"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/server"
	"github.com/jon-ruckwood/lagom/stream"
)

func main() {
	cfgPath := flag.String("config", "", "path to lagom.yaml (default: search LAGOM_CONFIG, ., ./configs, ~/.lagom)")
	call := flag.String("call", "", "greet this name through the registry after startup, then exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	reg, closeReg, err := newRegistry(cfg.Registry, logger)
	if err != nil {
		logger.Fatal("registry", zap.Error(err))
	}
	defer closeReg()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithClassifier(rpcerr.NewClassifier(rpcerr.WithDetails(cfg.Errors.ExposeDetails))),
		server.WithStreamWindow(cfg.Server.StreamWindow),
		server.WithRegistry(reg, cfg.Server.Advertise, cfg.Registry.TTL),
		server.WithInstanceInfo(cfg.Server.Weight, cfg.Server.Version),
	}
	if cfg.Metrics.Listen != "" {
		opts = append(opts, server.WithMetrics())
	}
	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.Timeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.Timeout))
	}
	if err := svr.Register(greeter()); err != nil {
		logger.Fatal("register", zap.Error(err))
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.MetricsHandler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- svr.Serve(cfg.Server.Network, cfg.Server.Listen) }()
	logger.Info("lagom node started",
		zap.String("listen", cfg.Server.Listen),
		zap.String("advertise", cfg.Server.Advertise),
		zap.String("registry", cfg.Registry.Kind))

	if *call != "" {
		err := greet(cfg, reg, logger, *call)
		if shutdownErr := svr.Shutdown(cfg.Server.ShutdownTimeout); shutdownErr != nil {
			logger.Warn("shutdown", zap.Error(shutdownErr))
		}
		if err != nil {
			logger.Fatal("call failed", zap.Error(err))
		}
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.Stringer("signal", s))
	case err := <-served:
		if !errors.Is(err, server.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}
	if err := svr.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func newRegistry(c config.RegistryConfig, logger *zap.Logger) (registry.Registry, func(), error) {
	switch c.Kind {
	case "", "memory":
		return registry.NewMemoryRegistry(), func() {}, nil
	case "etcd":
		r, err := registry.NewEtcdRegistry(c.Endpoints, c.DialTimeout,
			registry.WithPrefix(c.Prefix), registry.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry kind %q", c.Kind)
	}
}

func greet(cfg *config.Config, reg registry.Registry, logger *zap.Logger, name string) error {
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return err
	}
	ct, err := codec.ParseCodecType(cfg.Server.Codec)
	if err != nil {
		return err
	}
	cli := client.NewClient(reg, bal, ct,
		client.WithLogger(logger),
		client.WithRetry(cfg.Client.MaxRetries, cfg.Client.RetryBaseDelay),
		client.WithHeartbeat(cfg.Client.Heartbeat),
		client.WithStreamWindow(cfg.Server.StreamWindow))
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// the server advertises asynchronously once it is listening
	for {
		instances, err := reg.Discover(ctx, "Greeter")
		if err == nil && len(instances) > 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}

	reply, err := client.Invoke(ctx, cli, "Greeter", helloCall, nil, Greeting{Name: name}).Await(ctx)
	if err != nil {
		return err
	}
	fmt.Println(reply.Message)

	letters, err := client.Invoke(ctx, cli, "Greeter", spellCall, nil, Greeting{Name: name}).Await(ctx)
	if err != nil {
		return err
	}
	return stream.ForEach(ctx, letters, func(r Reply) error {
		fmt.Println(r.Message)
		return nil
	})
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
