package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/ssh/agent"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
	"github.com/jackofmosttrades/ssh-approval-agent/config"
	"github.com/jackofmosttrades/ssh-approval-agent/coordinator"
	"github.com/jackofmosttrades/ssh-approval-agent/identity"
	"github.com/jackofmosttrades/ssh-approval-agent/remoteauth"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:     "server",
		Required: true,
		Usage:    "URL prefix of the approval service, e.g. https://approve.example.com",
	},
	&cli.StringFlag{
		Name:     "identities",
		Required: true,
		Usage:    "path to the identities file (one '<key_type> <base64 blob>' per line)",
	},
	&cli.StringFlag{
		Name:  "socket-path",
		Value: "/tmp/ssh-approval-agent.sock",
		Usage: "path on which to listen for ssh-agent clients",
	},
	&cli.StringFlag{
		Name:  "cert",
		Usage: "path to client certificate presented to the approval service",
	},
	&cli.StringFlag{
		Name:  "key",
		Usage: "path to client key",
	},
	&cli.StringFlag{
		Name:  "ca-cert",
		Usage: "path to CA certificate file for the approval service. If omitted system defaults will be used",
	},
	&cli.DurationFlag{
		Name:  "poll-interval",
		Value: coordinator.DefaultPollInterval,
		Usage: "delay between approval polls",
	},
	&cli.DurationFlag{
		Name:  "max-wait",
		Value: 0,
		Usage: "give up on a sign request after this long; 0 waits until the request resolves",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "ssh-approval-agent",
		Usage: "add 'service' tag to logs",
	},
}

func main() {
	app := &cli.App{
		Name:   "ssh-approval-agent",
		Usage:  "ssh-agent whose signatures are approved and produced by a remote service",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})
	if cCtx.Bool("log-uid") {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func run(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)
	socketPath := cCtx.String("socket-path")

	ids, err := identity.ParseFile(cCtx.String("identities"))
	if err != nil {
		return err
	}
	cfg := config.New(cCtx.String("server"), ids)
	logger.Info("loaded identities", "count", cfg.Identities.Len(), "server", cfg.APIPrefix)

	tlsConfig, err := loadTLSConfig(cCtx.String("cert"), cCtx.String("key"), cCtx.String("ca-cert"))
	if err != nil {
		return err
	}
	authClient := remoteauth.NewClient(cfg.APIPrefix,
		remoteauth.WithTLSConfig(tlsConfig),
		remoteauth.WithLogger(logger))

	if maxWait := cCtx.Duration("max-wait"); maxWait > 0 {
		logger.Info("sign requests will time out", "max_wait", maxWait)
	}
	co := coordinator.New(cfg, authClient,
		coordinator.WithPollInterval(cCtx.Duration("poll-interval")),
		coordinator.WithMaxWait(cCtx.Duration("max-wait")),
		coordinator.WithLogger(logger))

	if agentListening(socketPath) {
		logger.Info("detected already listening agent", "socket", socketPath)
		return nil
	}
	listener, err := listen(socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAgent(ctx, co, logger)

	// Run until SIGTERM is received
	go func() {
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
		<-sigterm
		logger.Info("shutting down cleanly")
		cancel()
		listener.Close()
	}()

	logger.Info("listening for agent clients", "socket", socketPath)
	serve(ctx, listener, a, logger)
	return nil
}

func loadTLSConfig(certPath, keyPath, caCertPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if (certPath == "") != (keyPath == "") {
		return nil, errors.New("--cert and --key must be given together")
	}
	if certPath != "" {
		clientCert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load client certificate/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}
	if caCertPath != "" {
		caCertPemBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load CA certificates file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertPemBytes) {
			return nil, fmt.Errorf("unable to load any CA certificates from file %s", caCertPath)
		}
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}

// agentListening reports whether another agent answers on socketPath. A stale
// socket file is removed.
func agentListening(socketPath string) bool {
	if _, err := os.Stat(socketPath); err != nil {
		return false
	}
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		os.Remove(socketPath)
		return false
	}
	conn.Close()
	return true
}

func listen(socketPath string) (net.Listener, error) {
	oldMask := syscall.Umask(0077)
	defer syscall.Umask(oldMask)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	return listener, nil
}

// serve accepts connections until the listener is closed, serving each on
// its own goroutine so one pending approval never blocks another client.
func serve(ctx context.Context, listener net.Listener, a agent.ExtendedAgent, logger *slog.Logger) {
	for {
		c, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("error accepting connection", "err", err)
			continue
		}
		go func() {
			defer c.Close()
			if err := agent.ServeAgent(a, c); err != nil && !errors.Is(err, io.EOF) {
				logger.Debug("agent connection ended", "err", err)
			}
		}()
	}
}
