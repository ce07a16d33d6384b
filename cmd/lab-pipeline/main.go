package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tastythames/lab-pipeline/internal/api"
	"github.com/tastythames/lab-pipeline/internal/cache"
	"github.com/tastythames/lab-pipeline/internal/config"
	"github.com/tastythames/lab-pipeline/internal/jobs"
	"github.com/tastythames/lab-pipeline/internal/ledger"
	"github.com/tastythames/lab-pipeline/internal/metrics"
	"github.com/tastythames/lab-pipeline/internal/pipeline"
	"github.com/tastythames/lab-pipeline/internal/remote"
	"github.com/tastythames/lab-pipeline/internal/session"
	"github.com/tastythames/lab-pipeline/internal/sshclient"
	"github.com/tastythames/lab-pipeline/internal/transfer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	logger.Info("config", "listen", cfg.Listen, "nas", cfg.NAS.Host, "hpc", cfg.HPC.Host.Host, "ledger", cfg.Ledger.Path)

	// 1) sessions + executor
	sshCfg := sshclient.LoadConfig()
	sshCfg.Timeout = cfg.Pipeline.AuthTimeout
	dialer, err := sshclient.New(sshCfg)
	if err != nil {
		logger.Error("ssh client init", "err", err)
		os.Exit(1)
	}
	sessions := session.NewManager(dialer, session.Options{
		TTL:         cfg.Pipeline.CredentialTTL,
		AuthTimeout: cfg.Pipeline.AuthTimeout,
		Logger:      logger,
	})
	defer sessions.CloseAll()
	exec := remote.NewExecutor(sessions, logger)

	// 2) orchestrators
	transfers := transfer.New(exec, transfer.Options{
		CommandTimeout: cfg.Pipeline.CommandTimeout,
		MirrorTimeout:  cfg.Pipeline.MirrorTimeout,
		PublishTimeout: cfg.Pipeline.PublishTimeout,
		CloudRemote:    cfg.Cloud.Remote,
		Logger:         logger,
	})
	jobOrch := jobs.New(exec, nil, jobs.Options{
		CommandTimeout: cfg.Pipeline.CommandTimeout,
		Logger:         logger,
	})

	// 3) run history (optional)
	var recorder pipeline.Recorder
	if cfg.Ledger.Path != "" {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			logger.Error("open ledger", "path", cfg.Ledger.Path, "err", err)
			os.Exit(1)
		}
		defer store.Close()
		recorder = store
	}

	statusCache := cache.NewMemCache()
	logs := pipeline.NewBroadcaster(pipeline.DefaultTailSize)
	defer logs.Close()

	coord := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Sessions:  sessions,
		Transfers: transfers,
		Jobs:      jobOrch,
		Cache:     statusCache,
		Recorder:  recorder,
		Sink:      logs,
		Logger:    logger,
	})
	defer coord.Close()

	// hosts with a secret in the environment are logged in at startup
	for _, h := range []config.Host{cfg.NAS, cfg.HPC.Host} {
		autoLogin(sessions, h, logs, logger)
	}

	// 4) HTTP
	renderer := metrics.NewRenderer(statusCache, sessions, cfg.NAS.Host, cfg.HPC.Host.Host)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(sessions, coord, logs, renderer, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("lab-pipeline listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	logger.Info("shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func autoLogin(sessions *session.Manager, h config.Host, sink pipeline.LogSink, logger *slog.Logger) {
	if h.Host == "" || h.User == "" || h.PasswordEnv == "" {
		return
	}
	secret, err := h.Secret()
	if err != nil {
		logger.Warn("auto login skipped", "host", h.Host, "err", err)
		return
	}
	ok, msg := sessions.Authenticate(context.Background(), h.Host, h.User, secret, h.Port)
	sink.Push(h.Host + ": " + msg)
	if !ok {
		logger.Warn("auto login failed", "host", h.Host, "user", h.User, "port", h.Port)
	}
}
