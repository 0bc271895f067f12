package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/zachfi/smtchost/pkg/engine"
	"github.com/zachfi/smtchost/pkg/nowplaying"
	"github.com/zachfi/smtchost/pkg/shoutcast"
)

var (
	// ErrEngineNotInitialized is returned by engine backed operations when
	// no media engine is available.
	ErrEngineNotInitialized = errors.New("media engine is not initialized")

	// ErrNotRunning is returned when the owner has shut down.
	ErrNotRunning = errors.New("session owner is not running")
)

var module = "session"

// Owner is the single writer of the playback session. Every mutation, from
// HTTP handlers, the ICY monitor, the startup watchdog or the engine, runs as
// a command on the owner's loop, one at a time and in submission order.
type Owner struct {
	services.Service

	cfg    *Config
	logger *slog.Logger
	engine engine.Engine
	icy    *shoutcast.Client
	pub    *nowplaying.Publisher

	cmds    chan command
	stopped chan struct{}

	snapshot atomic.Pointer[Snapshot]

	// Everything below is only touched from the loop.
	ctx   context.Context
	bg    sync.WaitGroup
	state state
}

type state struct {
	session Session
	raw     engine.State

	stopRequested bool
	failed        bool

	// epoch changes on every play and stop; background work bound to an
	// older epoch is stale.
	epoch uint64

	monitorCancel context.CancelFunc

	watchdog    *time.Timer
	watchdogSeq uint64
}

type command struct {
	fn   func() error
	done chan error
}

// New creates the session owner. eng may be nil, in which case engine backed
// operations fail with ErrEngineNotInitialized.
func New(cfg Config, eng engine.Engine, sink nowplaying.Sink, logger slog.Logger) (*Owner, error) {
	cfg.applyDefaults()

	o := &Owner{
		cfg:     &cfg,
		logger:  logger.With("module", module),
		engine:  eng,
		icy:     shoutcast.NewClient(cfg.UserAgent),
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
	if sink == nil {
		sink = nowplaying.LogSink{Logger: o.logger}
	}
	o.pub = nowplaying.NewPublisher(sink, o.logger)

	o.state.session = Session{
		Title:   DefaultTitle,
		Artist:  DefaultStation,
		Station: DefaultStation,
		Status:  Stopped,
		Volume:  cfg.Volume,
	}
	o.publishSnapshot()

	o.Service = services.NewBasicService(nil, o.running, o.stopping)

	return o, nil
}

// ResolveStreamURL resolves playlist URLs with the owner's long lived HTTP
// client. It does not touch the session.
func (o *Owner) ResolveStreamURL(ctx context.Context, url string) string {
	resolved, err := o.icy.ResolveStreamURL(ctx, url)
	if err != nil {
		o.logger.Warn("failed to resolve playlist, using url as given", "url", url, "err", err)
		return url
	}
	if resolved != url {
		o.logger.Info("resolved playlist", "url", url, "stream", resolved)
	}
	return resolved
}

// Snapshot returns the session as of the last applied mutation.
func (o *Owner) Snapshot() Snapshot {
	return *o.snapshot.Load()
}

// Play supersedes the current stream and starts url. name, when set, is the
// station name.
func (o *Owner) Play(ctx context.Context, url, name string) error {
	return o.do(ctx, func() error { return o.play(url, name) })
}

// Stop stops playback.
func (o *Owner) Stop(ctx context.Context) error {
	return o.do(ctx, o.stop)
}

// SetVolume clamps v to 0..100, applies it and returns the applied value.
func (o *Owner) SetVolume(ctx context.Context, v int) (int, error) {
	v = ClampVolume(v)
	err := o.do(ctx, func() error { return o.setVolume(v) })
	return v, err
}

// ApplyUpdate applies externally pushed now-playing hints.
func (o *Owner) ApplyUpdate(ctx context.Context, u Update) error {
	return o.do(ctx, func() error {
		o.applyUpdate(u)
		return nil
	})
}

// do runs fn on the loop and waits for its result.
func (o *Owner) do(ctx context.Context, fn func() error) error {
	c := command{fn: fn, done: make(chan error, 1)}

	select {
	case o.cmds <- c:
	case <-o.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting for it to run. It gives up when
// ctx is done or the owner stops.
func (o *Owner) post(ctx context.Context, fn func()) {
	c := command{
		fn: func() error {
			fn()
			return nil
		},
		done: make(chan error, 1),
	}

	select {
	case o.cmds <- c:
	case <-o.stopped:
	case <-ctx.Done():
	}
}

func (o *Owner) running(ctx context.Context) error {
	defer close(o.stopped)

	o.ctx = ctx

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.pub.Run(ctx)
	}()

	var events <-chan engine.Event
	if o.engine != nil {
		events = o.engine.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-o.cmds:
			c.done <- o.exec(c.fn)
		case ev := <-events:
			_ = o.exec(func() error {
				o.handleEvent(ev)
				return nil
			})
		}
	}
}

func (o *Owner) stopping(_ error) error {
	o.logger.Info("stopping")

	o.cancelMonitor()
	o.cancelWatchdog()

	if o.engine != nil {
		if err := o.engine.Stop(); err != nil {
			o.logger.Debug("engine stop during shutdown", "err", err)
		}
	}

	o.bg.Wait()
	return nil
}

// exec runs fn, turning a panic into a session error, and publishes the
// resulting snapshot.
func (o *Owner) exec(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session command panicked: %v", r)
			o.logger.Error("recovered session command", "err", err)
			o.state.session.Error = err.Error()
			o.touch()
		}
		o.publishSnapshot()
	}()

	return fn()
}

func (o *Owner) publishSnapshot() {
	o.snapshot.Store(&Snapshot{
		Session:       o.state.session,
		PlaybackState: o.state.raw,
	})
	setStatusMetric(o.state.session.Status)
}

func (o *Owner) touch() {
	o.state.session.UpdatedAt = time.Now().UTC()
}

// push sends the current session to the now playing sink.
func (o *Owner) push() {
	s := o.state.session
	o.pub.Publish(nowplaying.Update{
		Title:  s.Title,
		Artist: s.Artist,
		Status: s.Status.String(),
	})
}

func (o *Owner) reconcile() {
	st := &o.state
	prev := st.session.Status
	st.session.Status = Reconcile(Input{
		Raw:           st.raw,
		Last:          prev,
		StopRequested: st.stopRequested,
		Failed:        st.failed,
	})
	if st.session.Status != prev {
		o.logger.Debug("status changed", "from", prev, "to", st.session.Status, "raw", st.raw)
	}
}

// supersede cancels the monitor and watchdog of the current stream.
func (o *Owner) supersede() {
	o.cancelMonitor()
	o.cancelWatchdog()
}

func (o *Owner) play(url, name string) error {
	o.supersede()

	st := &o.state
	st.epoch++
	st.stopRequested = false
	st.failed = false

	station := placeholder(name, DefaultStation)
	st.session = Session{
		URL:     url,
		Title:   placeholder(name, DefaultTitle),
		Artist:  station,
		Station: station,
		Status:  Connecting,
		Volume:  st.session.Volume,
	}
	o.touch()

	if o.engine == nil {
		st.failed = true
		st.session.Status = Stopped
		st.session.Error = ErrEngineNotInitialized.Error()
		o.push()
		return ErrEngineNotInitialized
	}

	st.raw = engine.Opening
	if err := o.engine.Play(url); err != nil {
		st.raw = engine.None
		st.failed = true
		st.session.Status = Stopped
		st.session.Error = err.Error()
		o.logger.Error("failed to start playback", "url", url, "err", err)
		o.push()
		return errors.Wrap(err, "failed to start playback")
	}

	o.startWatchdog(url, st.epoch)
	o.startMonitor(url, st.epoch)

	o.logger.Info("playing", "url", url, "station", station)
	o.push()
	return nil
}

func (o *Owner) stop() error {
	o.supersede()

	st := &o.state
	st.epoch++
	st.stopRequested = true
	st.failed = false

	var err error
	if o.engine == nil {
		err = ErrEngineNotInitialized
	} else if stopErr := o.engine.Stop(); stopErr != nil {
		err = errors.Wrap(stopErr, "failed to stop playback")
	}

	st.raw = engine.None
	st.session.URL = ""
	st.session.Title = st.session.Station
	st.session.Artist = st.session.Station
	st.session.Error = ""
	if err != nil {
		st.session.Error = err.Error()
	}
	o.reconcile()
	o.touch()

	o.logger.Info("stopped")
	o.push()
	return err
}

func (o *Owner) setVolume(v int) error {
	if o.engine == nil {
		return ErrEngineNotInitialized
	}
	if err := o.engine.SetVolume(v); err != nil {
		return errors.Wrap(err, "failed to set volume")
	}
	o.state.session.Volume = v
	o.touch()
	return nil
}

func (o *Owner) applyUpdate(u Update) {
	s := &o.state.session
	if u.Title != nil {
		s.Title = placeholder(*u.Title, DefaultTitle)
	}
	if u.Artist != nil {
		s.Artist = placeholder(*u.Artist, s.Station)
	}

	var status string
	if u.Status != nil {
		status = *u.Status
	}
	s.Status = ParseStatus(status)
	o.touch()
	o.push()
}

func (o *Owner) handleEvent(ev engine.Event) {
	metricEngineEvents.WithLabelValues(ev.Kind.String()).Inc()
	st := &o.state
	prev := st.session.Status

	switch ev.Kind {
	case engine.Opened:
		o.cancelWatchdog()
	case engine.Failed:
		o.supersede()
		st.raw = engine.None
		st.failed = true
		st.session.Error = ev.Message
		o.logger.Warn("engine failed", "url", st.session.URL, "err", ev.Message)
	case engine.StateChanged:
		st.raw = ev.State
		if ev.State == engine.Playing {
			o.cancelWatchdog()
		}
	}

	o.reconcile()
	if st.session.Status != prev || ev.Kind == engine.Failed {
		o.touch()
		o.push()
	}
}

// current reports whether background work bound to url and epoch still
// belongs to the session.
func (o *Owner) current(url string, epoch uint64) bool {
	if o.state.epoch == epoch && o.state.session.URL == url {
		return true
	}
	metricStaleUpdates.Inc()
	return false
}

// applyTrack stores a stream title read by the ICY monitor.
func (o *Owner) applyTrack(url string, epoch uint64, text string) {
	if !o.current(url, epoch) {
		return
	}

	s := &o.state.session
	artist, title := SplitTrack(text, s.Artist)
	artist = placeholder(artist, s.Station)
	title = placeholder(title, DefaultTitle)
	if artist == s.Artist && title == s.Title {
		return
	}

	s.Artist = artist
	s.Title = title
	o.reconcile()
	o.touch()

	o.logger.Info("now playing", "track", DisplayTitle(artist, title), "url", url)
	o.push()
}

// applyStationName fills in the station announced by the stream when play
// did not name one.
func (o *Owner) applyStationName(url string, epoch uint64, name string) {
	if !o.current(url, epoch) || name == "" {
		return
	}

	s := &o.state.session
	if s.Station != DefaultStation {
		return
	}
	s.Station = name
	if s.Artist == DefaultStation {
		s.Artist = name
	}
	o.touch()
	o.push()
}
