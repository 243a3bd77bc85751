// acmebroker is an ACME server that can run as a standalone CA or relay
// issuance to an upstream ACME CA in broker or proxy mode.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/letsencrypt/challtestsrv"
	"go.uber.org/zap"

	"github.com/cpu/acmebroker/acme/client"
	"github.com/cpu/acmebroker/acme/keys"
	"github.com/cpu/acmebroker/cmd"
	"github.com/cpu/acmebroker/server"
)

const CONFIG_DEFAULT = "acmebroker.yaml"

func main() {
	configPath := flag.String(
		"config",
		CONFIG_DEFAULT,
		"Path to the YAML configuration file")

	debug := flag.Bool(
		"debug",
		false,
		"Log at debug level with a development-friendly format")

	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	cmd.FailOnError(err, "Creating logger")
	defer func() { _ = logger.Sync() }()

	config, err := server.LoadConfig(*configPath)
	cmd.FailOnError(err, "Loading configuration")

	opts := server.Options{Logger: logger}
	if config.Mode != server.ModeCA {
		opts.Upstream, err = buildUpstream(config, logger)
		cmd.FailOnError(err, "Setting up the upstream ACME client")
	}

	srv, err := server.New(*config, opts)
	cmd.FailOnError(err, "Creating server")

	httpSrv := &http.Server{
		Addr:              config.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		cmd.CatchSignals(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		})
	}()

	logger.Info("listening",
		zap.String("addr", config.Listen),
		zap.String("mode", config.Mode),
		zap.String("external_url", config.ExternalURL))

	err = httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		cmd.FailOnError(err, "Serving HTTP")
	}
	cmd.FailOnError(srv.Shutdown(), "Shutting down")
}

// buildUpstream constructs the shared upstream ACME client for broker and
// proxy modes, including any configured in-process challenge test server
// used to answer the upstream CA's validations in development setups.
func buildUpstream(config *server.Config, logger *zap.Logger) (*client.Client, error) {
	keyPEM, err := os.ReadFile(config.Upstream.AccountKey)
	if err != nil {
		return nil, err
	}
	signer, err := keys.SignerFromPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	var solvers []client.Solver
	if cfg := config.Upstream.ChallSrv; cfg != nil {
		challSrv, err := challtestsrv.New(challtestsrv.Config{
			HTTPOneAddrs: cfg.HTTPListen,
			DNSOneAddrs:  cfg.DNSListen,
		})
		if err != nil {
			return nil, err
		}
		go challSrv.Run()

		solver, err := client.NewChallSrvSolver(challSrv, cfg.ChallengeType)
		if err != nil {
			return nil, err
		}
		solvers = append(solvers, solver)
	} else {
		logger.Warn("no challenge solver configured, upstream authorizations cannot be completed")
	}

	return client.NewClient(context.Background(), client.Config{
		DirectoryURL: config.Upstream.DirectoryURL,
		CACert:       config.Upstream.CACert,
		ContactEmail: config.Upstream.ContactEmail,
		Signer:       signer,
		Solvers:      solvers,
	}, logger)
}
