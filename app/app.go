package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"

	"github.com/zachfi/smtchost/modules/host"
	"github.com/zachfi/smtchost/modules/session"
)

const metricsNamespace = "smtchost"

type App struct {
	cfg    Config
	logger slog.Logger

	// listener is resolved from the host prefix before any module starts.
	listener host.Listener
	engine   string

	Server  *server.Server
	Session *session.Owner

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New creates and returns a new App. Nothing is started until Run, but an
// unusable host prefix is rejected here.
func New(cfg Config, logger slog.Logger) (*App, error) {
	l, err := host.ParsePrefix(cfg.Host.Prefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve control plane listener")
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		listener: l,
		engine:   engineNone,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	return a, nil
}

func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	a.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	// Listen for events from this manager, and log them.
	healthy := func() { a.logger.Info("started", a.startupAttrs()...) }
	stopped := func() { a.logger.Info("stopped", "target", a.cfg.Target) }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					a.logger.Info("received stop signal via return error", "module", m, "err", service.FailureCase())
				} else {
					a.logger.Error("module failed", "module", m, "err", service.FailureCase())
				}
				return
			}
		}

		a.logger.Error("module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(a.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

const (
	engineNone        = "none"
	engineUnavailable = "unavailable"
)

// startupAttrs describes what the bridge is serving once every module is
// running.
func (a *App) startupAttrs() []any {
	addr := net.JoinHostPort(a.listener.Host, strconv.Itoa(a.listener.Port))
	if a.Server != nil {
		addr = a.Server.HTTPListenAddr().String()
	}

	return []any{
		"target", a.cfg.Target,
		"listen", addr,
		"path", a.listener.Path,
		"engine", a.engine,
	}
}
