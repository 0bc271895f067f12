// Package host is the local control plane. It exposes the playback session
// over HTTP/JSON and funnels every mutation into the session owner.
package host

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/zachfi/smtchost/modules/session"
)

const (
	module      = "host"
	serviceName = "smtc-host"

	maxBodyBytes = 64 << 10
)

// ErrMalformedRequest is returned for a bad or missing JSON body.
var ErrMalformedRequest = errors.New("malformed request")

// Controller is the session owner as seen from the control plane.
type Controller interface {
	Play(ctx context.Context, url, name string) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, volume int) (int, error)
	ApplyUpdate(ctx context.Context, u session.Update) error
	Snapshot() session.Snapshot
	ResolveStreamURL(ctx context.Context, url string) string
}

type Host struct {
	services.Service

	cfg    *Config
	logger *slog.Logger
	ctrl   Controller
}

func New(cfg Config, ctrl Controller, logger slog.Logger) (*Host, error) {
	if ctrl == nil {
		return nil, errors.New("host requires a session controller")
	}

	h := &Host{
		cfg:    &cfg,
		logger: logger.With("module", module),
		ctrl:   ctrl,
	}

	h.Service = services.NewIdleService(nil, nil)

	return h, nil
}

// RegisterRoutes mounts the control plane on r, under the prefix path when
// the prefix is not the root.
func (h *Host) RegisterRoutes(r *mux.Router) error {
	l, err := ParsePrefix(h.cfg.Prefix)
	if err != nil {
		return err
	}

	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notFound)

	if p := strings.TrimSuffix(l.Path, "/"); p != "" {
		r = r.PathPrefix(p).Subrouter()
		r.NotFoundHandler = http.HandlerFunc(notFound)
		r.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	}

	r.Use(h.recoverer)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/debug/state", h.debugState).Methods(http.MethodGet)
	r.HandleFunc("/smtc/update", h.update).Methods(http.MethodPost)
	r.HandleFunc("/player/play", h.play).Methods(http.MethodPost)
	r.HandleFunc("/player/stop", h.stop).Methods(http.MethodPost)
	r.HandleFunc("/player/volume", h.volume).Methods(http.MethodPost)
	r.HandleFunc("/player/status", h.status).Methods(http.MethodGet)

	h.logger.Info("control plane registered", "prefix", h.cfg.Prefix)
	return nil
}

func (h *Host) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("handler panicked", "path", r.URL.Path, "err", rec)
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
