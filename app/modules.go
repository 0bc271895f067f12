package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/zachfi/smtchost/modules/host"
	"github.com/zachfi/smtchost/modules/session"
	"github.com/zachfi/smtchost/pkg/engine"
	"github.com/zachfi/smtchost/pkg/nowplaying"
)

const (
	Server string = "server"

	Session string = "session"
	Host    string = "host"

	All string = "all"
)

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(kitlog.NewLogfmtLogger(os.Stderr))
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)

	mm.RegisterModule(Session, a.initSession)
	mm.RegisterModule(Host, a.initHost)

	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:       nil,
		Session: {Server},
		Host:    {Server, Session},

		All: {Host},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm

	return nil
}

func (a *App) initSession() (services.Service, error) {
	var eng engine.Engine
	if a.cfg.Engine.Command == "" {
		a.logger.Warn("no media engine command configured, playback is unavailable")
	} else {
		e, err := engine.NewExec(a.cfg.Engine, a.logger.With("module", "engine"))
		if err != nil {
			a.engine = engineUnavailable
			a.logger.Warn("media engine unavailable", "err", err)
		} else {
			a.engine = a.cfg.Engine.Command
			eng = e
		}
	}

	sink := nowplaying.NewSink(a.cfg.NowPlaying, a.logger.With("module", "nowplaying"))

	o, err := session.New(a.cfg.Session, eng, sink, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Session)
	}

	a.Session = o
	return o, nil
}

func (a *App) initHost() (services.Service, error) {
	h, err := host.New(a.cfg.Host, a.Session, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Host)
	}

	if err := h.RegisterRoutes(a.Server.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to register routes")
	}

	return h, nil
}

func (a *App) initServer() (services.Service, error) {
	l := a.listener
	a.cfg.Server.HTTPListenAddress = l.Host
	a.cfg.Server.HTTPListenPort = l.Port
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = kitlog.NewLogfmtLogger(os.Stderr)

	server, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}

		return svs
	}

	a.Server = server

	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}

			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		a.logger.Info("server stopped", "listen", net.JoinHostPort(l.Host, strconv.Itoa(l.Port)))
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
