package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/jackofmosttrades/ssh-approval-agent/common"
	"github.com/jackofmosttrades/ssh-approval-agent/identity"
	"github.com/jackofmosttrades/ssh-approval-agent/server/ssh-approval-plugin"
)

type httpError struct {
	message string
	code    int
}

func (e *httpError) Error() string {
	return e.message
}

// callerKey is a context key which is associated with the leaf client *x509.Certificate of the caller
type callerKey struct{}

func writeError(writer http.ResponseWriter, err error) {
	if httpErr, ok := err.(*httpError); ok {
		http.Error(writer, httpErr.message, httpErr.code)
		return
	}
	http.Error(writer, err.Error(), http.StatusInternalServerError)
}

func writeJSON(writer http.ResponseWriter, response interface{}) {
	writer.Header().Add("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(response)
}

func doRequest(writer http.ResponseWriter, request *http.Request, reqBody interface{}, handler func(context.Context, interface{}) (interface{}, error)) {
	err := json.NewDecoder(request.Body).Decode(reqBody)
	if err != nil {
		http.Error(writer, fmt.Sprintf("unable to decode request body: %v", err), http.StatusBadRequest)
		return
	}

	ctx := request.Context()
	if request.TLS != nil && len(request.TLS.PeerCertificates) > 0 {
		ctx = context.WithValue(ctx, callerKey{}, request.TLS.PeerCertificates[0])
	}

	response, err := handler(ctx, reqBody)
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, response)
}

func newMux(log *slog.Logger) *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(log, next)
	})
	mux.Get("/livez", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, map[string]string{"status": "alive"})
	})
	return mux
}

// newRouter serves the requester side of the protocol.
func newRouter(service *approvalServiceImpl, log *slog.Logger) http.Handler {
	mux := newMux(log)
	mux.Post(common.InitAuthPath, func(writer http.ResponseWriter, request *http.Request) {
		doRequest(writer, request, new(common.InitAuthRequest), func(ctx context.Context, r interface{}) (interface{}, error) {
			return service.InitAuth(ctx, r.(*common.InitAuthRequest))
		})
	})
	mux.Post(common.PollAuthPath, func(writer http.ResponseWriter, request *http.Request) {
		doRequest(writer, request, new(common.PollAuthRequest), func(ctx context.Context, r interface{}) (interface{}, error) {
			return service.PollAuth(ctx, r.(*common.PollAuthRequest))
		})
	})
	return mux
}

// newAdminRouter serves the approver side. It is kept off the requester
// listener so a requester cannot decide its own request.
func newAdminRouter(service *approvalServiceImpl, log *slog.Logger) http.Handler {
	mux := newMux(log)
	mux.Get("/v1/auth/pending", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, service.Pending())
	})
	mux.Post("/v1/auth/approve", func(writer http.ResponseWriter, request *http.Request) {
		doRequest(writer, request, new(DecisionRequest), func(ctx context.Context, r interface{}) (interface{}, error) {
			return service.Approve(ctx, r.(*DecisionRequest))
		})
	})
	mux.Post("/v1/auth/deny", func(writer http.ResponseWriter, request *http.Request) {
		doRequest(writer, request, new(DecisionRequest), func(ctx context.Context, r interface{}) (interface{}, error) {
			return service.Deny(ctx, r.(*DecisionRequest))
		})
	})
	return mux
}

func startServer(handler http.Handler, listenAddr string, tlsConfig *tls.Config) error {
	var listener net.Listener
	var err error
	if tlsConfig != nil {
		listener, err = tls.Listen("tcp", listenAddr, tlsConfig)
	} else {
		listener, err = net.Listen("tcp", listenAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.Serve(listener)
}

func loadTLSConfig(certPath, keyPath, caCertPath string) (*tls.Config, error) {
	if certPath == "" && keyPath == "" {
		if caCertPath != "" {
			return nil, fmt.Errorf("--ca-cert requires --cert and --key")
		}
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("--cert and --key must be given together")
	}
	serverCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to load server certificate/key: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
	}

	if caCertPath != "" {
		caCertPool := x509.NewCertPool()
		caCertPemBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load CA certificates file: %w", err)
		}
		if !caCertPool.AppendCertsFromPEM(caCertPemBytes) {
			return nil, fmt.Errorf("unable to load any CA certificates from file %s", caCertPath)
		}
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

func findApprovalPlugin(name string, plugins []ssh_approval_plugin.SshApprovalPlugin) (ssh_approval_plugin.SshApprovalPolicyPlugin, error) {
	if name == "" {
		return nil, nil
	}
	for _, p := range plugins {
		if p.Name() == name && p.Type() == ssh_approval_plugin.PluginType_APPROVAL {
			if policy, ok := p.(ssh_approval_plugin.SshApprovalPolicyPlugin); ok {
				return policy, nil
			}
		}
	}
	return nil, fmt.Errorf("no approval plugin named %q was found", name)
}

var logFlags = []cli.Flag{
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
		Value: "ssh-approval-server",
		Usage: "add 'service' tag to logs",
	},
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

func newApp(plugins []ssh_approval_plugin.SshApprovalPlugin) *cli.App {
	serveFlags := append([]cli.Flag{
		&cli.StringFlag{
			Name:  "key-data",
			Usage: "path to key data file (required)",
		},
		&cli.StringFlag{
			Name:  "listen",
			Value: "0.0.0.0:443",
			Usage: "listen address/port",
		},
		&cli.StringFlag{
			Name:  "admin-listen",
			Value: "127.0.0.1:8444",
			Usage: "listen address/port for the approver endpoints (pending, approve, deny)",
		},
		&cli.DurationFlag{
			Name:  "request-ttl",
			Value: DefaultRequestTTL,
			Usage: "forget requests that are not decided and delivered within this time; 0 keeps them forever",
		},
		&cli.StringFlag{
			Name:  "cert",
			Usage: "path to server certificate; plain HTTP is served when omitted",
		},
		&cli.StringFlag{
			Name:  "key",
			Usage: "path to server key",
		},
		&cli.StringFlag{
			Name:  "ca-cert",
			Usage: "path to CA certificate file for client certs",
		},
		&cli.StringFlag{
			Name:  "approval-plugin",
			Usage: "name of the approval plugin to use; requests wait for manual approval when omitted",
		},
	}, logFlags...)

	return &cli.App{
		Name:  "ssh-approval-server",
		Usage: "approval service holding private keys and signing once a request is approved",
		Flags: serveFlags,
		Action: func(cCtx *cli.Context) error {
			logger := setupLogger(cCtx)
			if cCtx.String("key-data") == "" {
				return fmt.Errorf("--key-data flag is required")
			}

			tlsConfig, err := loadTLSConfig(cCtx.String("cert"), cCtx.String("key"), cCtx.String("ca-cert"))
			if err != nil {
				return err
			}
			keyData, err := LoadKeyDataFile(cCtx.String("key-data"))
			if err != nil {
				return fmt.Errorf("unable to load key data from file: %w", err)
			}
			approvalPlugin, err := findApprovalPlugin(cCtx.String("approval-plugin"), plugins)
			if err != nil {
				return err
			}

			service := newApprovalService(keyData, approvalPlugin, logger)
			service.ttl = cCtx.Duration("request-ttl")
			logger.Info("serving approval API", "listen", cCtx.String("listen"), "admin_listen", cCtx.String("admin-listen"),
				"keys", len(keyData), "tls", tlsConfig != nil)

			errs := make(chan error, 2)
			go func() {
				errs <- startServer(newRouter(service, logger), cCtx.String("listen"), tlsConfig)
			}()
			go func() {
				errs <- startServer(newAdminRouter(service, logger), cCtx.String("admin-listen"), tlsConfig)
			}()
			return <-errs
		},
		Commands: []*cli.Command{
			{
				Name:  "identities",
				Usage: "print the identities file for the keys in the key data file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "key-data",
						Required: true,
						Usage:    "path to key data file",
					},
				},
				Action: func(cCtx *cli.Context) error {
					keyData, err := LoadKeyDataFile(cCtx.String("key-data"))
					if err != nil {
						return err
					}
					return identity.Write(cCtx.App.Writer, Identities(keyData))
				},
			},
		},
	}
}

func Main(args []string) {
	MainWithPlugins(args)
}

func MainWithPlugins(args []string, plugins ...ssh_approval_plugin.SshApprovalPlugin) {
	if err := newApp(plugins).Run(append([]string{"ssh-approval-server"}, args...)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
