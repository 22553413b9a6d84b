// cmd/p2pchat/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"p2pchat/internal/config"
	"p2pchat/internal/daemon"
	"p2pchat/internal/logx"
	"p2pchat/internal/metrics"
	"p2pchat/internal/pprofutil"
	"p2pchat/internal/router"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("p2pchat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "path to YAML config file")
		name       = fs.String("name", "", "identity local part")
		namespace  = fs.String("namespace", "", "identity realm")
		rendezvous = fs.String("rendezvous", "", "directory endpoint host:port")
		listenPort = fs.Int("listen-port", 0, "inbound session port")
		logLevel   = fs.String("log-level", "", "initial log level")
		logFile    = fs.String("log-file", "", "append logs to this file")
		metricsOut = fs.String("metrics-out", "", "write a metrics snapshot here on exit")
		pprofAddr  = fs.String("pprof", "", "serve pprof on this loopback addr (e.g. 127.0.0.1:6060)")
	)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	applyFlags(&cfg, fs, *name, *namespace, *rendezvous, *listenPort, *logLevel, *logFile)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	logs, err := logx.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return 1
	}
	defer logs.Close()
	logger := logs.Logger()
	logger.Info("starting p2pchat",
		zap.String("identity", cfg.Identity()),
		zap.String("rendezvous", cfg.RendezvousAddr()),
		zap.String("listen", cfg.ListenAddr()))

	if *pprofAddr != "" {
		if err := pprofutil.Start(*pprofAddr, logger); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	}

	met := metrics.New()
	var sh *shell
	d := daemon.New(cfg, daemon.Options{
		Logger:  logger,
		Metrics: met,
		Deliver: func(dl router.Delivery) {
			if sh != nil {
				sh.OnDelivery(dl)
			}
		},
		Notify: func(n router.Note) {
			if sh != nil {
				sh.OnNote(n)
			}
		},
	})
	sh = newShell(d, logs, stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}

	// A signal during the interactive loop still unregisters cleanly.
	go func() {
		<-ctx.Done()
		_ = d.Shutdown()
	}()

	code := sh.Run(stdin)
	if *metricsOut != "" {
		if err := met.WriteSnapshot(*metricsOut); err != nil {
			logger.Warn("metrics snapshot failed", zap.Error(err))
		}
	}
	logger.Info("bye", zap.Int("exit", code))
	return code
}

func applyFlags(cfg *config.Config, fs *flag.FlagSet, name, namespace, rendezvous string, listenPort int, logLevel, logFile string) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = name
		case "namespace":
			cfg.Namespace = namespace
		case "listen-port":
			cfg.ListenPort = listenPort
		case "log-level":
			cfg.LogLevel = logLevel
		case "log-file":
			cfg.LogFile = logFile
		case "rendezvous":
			if host, port, err := splitHostPort(rendezvous); err == nil {
				cfg.RendezvousHost = host
				cfg.RendezvousPort = port
			}
		}
	})
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
