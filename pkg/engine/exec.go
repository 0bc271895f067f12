package engine

import (
	"bytes"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const eventBuffer = 64

// Exec renders streams by running an external player process per stream.
type Exec struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	gen    uint64
	volume int

	events chan Event
}

// NewExec returns an Exec engine for the configured command.
func NewExec(cfg Config, logger *slog.Logger) (*Exec, error) {
	if cfg.Command == "" {
		return nil, errors.New("engine command is not configured")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, errors.Wrapf(err, "engine command %q", cfg.Command)
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}

	return &Exec{
		cfg:    cfg,
		logger: logger.With("engine", cfg.Command),
		volume: 100,
		events: make(chan Event, eventBuffer),
	}, nil
}

func (e *Exec) Events() <-chan Event {
	return e.events
}

func (e *Exec) Play(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.killLocked()

	cmd := exec.Command(e.cfg.Command, expandArgs(e.cfg.Args, url, e.volume)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.emit(Event{Kind: StateChanged, State: Opening})
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start player")
	}

	e.gen++
	gen := e.gen
	e.cmd = cmd

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	go e.watch(gen, exited, &stderr)

	e.logger.Info("player started", "pid", cmd.Process.Pid, "url", url)
	return nil
}

func (e *Exec) watch(gen uint64, exited <-chan error, stderr *bytes.Buffer) {
	timer := time.NewTimer(e.cfg.StartupGrace)
	defer timer.Stop()

	select {
	case <-timer.C:
		if !e.opened(gen) {
			<-exited
			return
		}
	case err := <-exited:
		e.finish(gen, err, stderr)
		return
	}

	e.finish(gen, <-exited, stderr)
}

func (e *Exec) finish(gen uint64, err error, stderr *bytes.Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Superseded or stopped processes report nothing.
	if gen != e.gen || e.cmd == nil {
		return
	}
	e.cmd = nil

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		e.logger.Warn("player exited", "err", err)
		e.emit(Event{Kind: Failed, Message: msg})
		return
	}

	e.emit(Event{Kind: StateChanged, State: None})
}

// opened reports the process of gen as playing unless it was superseded or
// stopped. The check and the events share the lock so a concurrent Play
// cannot slip in between.
func (e *Exec) opened(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || e.cmd == nil {
		return false
	}
	e.emit(Event{Kind: Opened})
	e.emit(Event{Kind: StateChanged, State: Playing})
	return true
}

func (e *Exec) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return nil
	}
	e.killLocked()
	e.emit(Event{Kind: StateChanged, State: None})
	return nil
}

// SetVolume takes effect on the next Play.
func (e *Exec) SetVolume(volume int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = volume
	return nil
}

func (e *Exec) killLocked() {
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}
	if err := e.cmd.Process.Kill(); err != nil {
		e.logger.Debug("failed to kill player", "err", err)
	}
	e.cmd = nil
	e.gen++
}

func (e *Exec) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("dropping engine event", "kind", ev.Kind, "state", ev.State)
	}
}

func expandArgs(args []string, url string, volume int) []string {
	out := make([]string, 0, len(args))
	r := strings.NewReplacer("{url}", url, "{volume}", strconv.Itoa(volume))
	for _, a := range args {
		out = append(out, r.Replace(a))
	}
	return out
}
