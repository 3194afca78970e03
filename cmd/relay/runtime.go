package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/machine"
	"relay/internal/metrics"
	"relay/internal/session"
	"relay/internal/store"
)

const clientName = "relay"

type runtimeOpener func(configPath string, logOut io.Writer) (*relayRuntime, error)

// relayRuntime is everything a command needs to drive chats: the loaded
// config, the stores, the machine registry and the session manager on top.
type relayRuntime struct {
	cfg      config.Config
	logger   logging.Logger
	logFile  *os.File
	repo     store.Repository
	registry *machine.Registry
	metrics  *metrics.Metrics
	manager  *session.Manager
}

func openRuntime(configPath string, logOut io.Writer, clientVersion string) (*relayRuntime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &relayRuntime{cfg: cfg}
	if err := rt.openLogger(logOut); err != nil {
		return nil, err
	}

	statePath, err := cfg.StatePath()
	if err != nil {
		rt.close()
		return nil, err
	}
	repo, err := store.OpenRepository(statePath, cfg.StateBackend())
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open state %s: %w", statePath, err)
	}
	rt.repo = repo

	registry, err := machine.NewRegistry(cfg, rt.logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.registry = registry
	rt.metrics = metrics.New()

	manager, err := session.NewManager(session.ManagerOptions{
		Registry: registry,
		Chats:    repo.ChatStates(),
		Index:    repo.SessionIndex(),
		Logger:   rt.logger,
		Observer: rt.metrics,
		Defaults: session.Defaults{
			ApprovalMode: cfg.ApprovalMode(),
			Sandbox:      cfg.Codex.Sandbox,
			Model:        cfg.Codex.Model,
			Effort:       cfg.Codex.Effort,
		},
		PrefixTokens:  cfg.PrefixTokens(),
		ClientName:    clientName,
		ClientVersion: clientVersion,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.manager = manager
	rt.logger.Info("relay_started",
		logging.F("version", clientVersion),
		logging.F("state_backend", cfg.StateBackend()),
		logging.F("machines", strings.Join(registry.Names(), ",")),
	)
	return rt, nil
}

func (r *relayRuntime) openLogger(logOut io.Writer) error {
	level := logging.ParseLevel(r.cfg.LogLevel())
	path := strings.TrimSpace(r.cfg.Logging.File)
	if path == "" {
		r.logger = logging.New(logOut, level)
		return nil
	}
	path, err := config.ExpandHome(path)
	if err != nil {
		return err
	}
	file, err := logging.OpenFile(path)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	r.logFile = file
	r.logger = logging.New(file, level)
	return nil
}

// Close ends every live session before releasing the machines and stores.
func (r *relayRuntime) Close(ctx context.Context) error {
	var errs []error
	if r.manager != nil {
		errs = append(errs, r.manager.Close(ctx))
	}
	errs = append(errs, r.close())
	return errors.Join(errs...)
}

func (r *relayRuntime) close() error {
	var errs []error
	if r.registry != nil {
		errs = append(errs, r.registry.Close())
	}
	if r.repo != nil {
		errs = append(errs, r.repo.Close())
	}
	if r.logFile != nil {
		errs = append(errs, r.logFile.Close())
	}
	return errors.Join(errs...)
}
