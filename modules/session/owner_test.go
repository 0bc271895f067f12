package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zachfi/smtchost/pkg/engine"
	"github.com/zachfi/smtchost/pkg/nowplaying"
)

type fakeEngine struct {
	mu      sync.Mutex
	plays   []string
	stops   int
	volume  int
	playErr error
	stopErr error
	volErr  error

	events chan engine.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan engine.Event, 16)}
}

func (f *fakeEngine) Play(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, url)
	return nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeEngine) SetVolume(v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.volErr != nil {
		return f.volErr
	}
	f.volume = v
	return nil
}

func (f *fakeEngine) Events() <-chan engine.Event { return f.events }

func (f *fakeEngine) state(s engine.State) {
	f.events <- engine.Event{Kind: engine.StateChanged, State: s}
}

type recordingSink struct {
	mu      sync.Mutex
	updates []nowplaying.Update
}

func (s *recordingSink) Update(_ context.Context, u nowplaying.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) last() (nowplaying.Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return nowplaying.Update{}, false
	}
	return s.updates[len(s.updates)-1], true
}

func testConfig() Config {
	return Config{
		StartupTimeout: time.Minute,
		ReconnectDelay: 20 * time.Millisecond,
		Volume:         50,
	}
}

func newTestOwner(t *testing.T, cfg Config, eng engine.Engine, sink nowplaying.Sink) *Owner {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(cfg, eng, sink, *logger)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), o))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), o)
	})
	return o
}

// flush waits until every queued engine event has been applied.
func flush(t *testing.T, o *Owner, eng *fakeEngine) {
	t.Helper()
	require.Eventually(t, func() bool { return len(eng.events) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, o.do(context.Background(), func() error { return nil }))
}

// noICYServer answers with plain audio and counts requests.
func noICYServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(make([]byte, 64))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func icyBlock(text string) []byte {
	payload := []byte(text)
	n := (len(payload) + 15) / 16
	block := make([]byte, 1+n*16)
	block[0] = byte(n)
	copy(block[1:], payload)
	return block
}

// icyServer serves metaint sized audio chunks followed by the given stream
// titles, then holds the connection open.
func icyServer(t *testing.T, name string, titles ...string) *httptest.Server {
	t.Helper()
	const metaint = 32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("Icy-MetaData"))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-metaint", fmt.Sprint(metaint))
		if name != "" {
			w.Header().Set("icy-name", name)
		}
		for _, title := range titles {
			_, _ = w.Write(make([]byte, metaint))
			_, _ = w.Write(icyBlock("StreamTitle='" + title + "';"))
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOwnerInitialSnapshot(t *testing.T) {
	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)

	s := o.Snapshot()
	assert.Equal(t, Stopped, s.Status)
	assert.Equal(t, DefaultTitle, s.Title)
	assert.Equal(t, DefaultStation, s.Artist)
	assert.Equal(t, DefaultStation, s.Station)
	assert.Equal(t, 50, s.Volume)
	assert.Empty(t, s.URL)
	assert.True(t, s.UpdatedAt.IsZero())
}

func TestOwnerPlayStop(t *testing.T) {
	srv, _ := noICYServer(t)
	eng := newFakeEngine()
	sink := &recordingSink{}
	o := newTestOwner(t, testConfig(), eng, sink)
	ctx := context.Background()

	require.NoError(t, o.Play(ctx, srv.URL, "Jazz FM"))

	s := o.Snapshot()
	assert.Equal(t, Connecting, s.Status)
	assert.Equal(t, srv.URL, s.URL)
	assert.Equal(t, "Jazz FM", s.Station)
	assert.Equal(t, "Jazz FM", s.Artist)
	assert.Equal(t, "Jazz FM", s.Title)
	assert.Equal(t, engine.Opening, s.PlaybackState)
	assert.False(t, s.UpdatedAt.IsZero())
	assert.Equal(t, []string{srv.URL}, eng.plays)

	eng.state(engine.Playing)
	flush(t, o, eng)
	assert.Equal(t, Playing, o.Snapshot().Status)

	eng.state(engine.Buffering)
	flush(t, o, eng)
	assert.Equal(t, Playing, o.Snapshot().Status)

	eng.state(engine.Paused)
	flush(t, o, eng)
	assert.Equal(t, Paused, o.Snapshot().Status)

	require.NoError(t, o.Stop(ctx))
	s = o.Snapshot()
	assert.Equal(t, Stopped, s.Status)
	assert.Empty(t, s.URL)
	assert.Empty(t, s.Error)
	assert.Equal(t, "Jazz FM", s.Title)

	// A late event from the stopped stream does not resurrect it.
	eng.state(engine.Playing)
	flush(t, o, eng)
	assert.Equal(t, Stopped, o.Snapshot().Status)

	require.Eventually(t, func() bool {
		u, ok := sink.last()
		return ok && u.Status == "Stopped"
	}, time.Second, 5*time.Millisecond)
}

func TestOwnerPlayDefaults(t *testing.T) {
	srv, _ := noICYServer(t)
	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)

	require.NoError(t, o.Play(context.Background(), srv.URL, "  "))
	s := o.Snapshot()
	assert.Equal(t, DefaultTitle, s.Title)
	assert.Equal(t, DefaultStation, s.Station)
	assert.Equal(t, DefaultStation, s.Artist)
}

func TestOwnerNoEngine(t *testing.T) {
	o := newTestOwner(t, testConfig(), nil, nil)
	ctx := context.Background()

	err := o.Play(ctx, "http://example.invalid/stream", "")
	require.ErrorIs(t, err, ErrEngineNotInitialized)
	s := o.Snapshot()
	assert.Equal(t, Stopped, s.Status)
	assert.Equal(t, ErrEngineNotInitialized.Error(), s.Error)

	_, err = o.SetVolume(ctx, 10)
	require.ErrorIs(t, err, ErrEngineNotInitialized)

	require.ErrorIs(t, o.Stop(ctx), ErrEngineNotInitialized)
	assert.Equal(t, Stopped, o.Snapshot().Status)
}

func TestOwnerPlayEngineError(t *testing.T) {
	eng := newFakeEngine()
	eng.playErr = fmt.Errorf("device busy")
	o := newTestOwner(t, testConfig(), eng, nil)

	err := o.Play(context.Background(), "http://example.invalid/stream", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")

	s := o.Snapshot()
	assert.Equal(t, Stopped, s.Status)
	assert.Equal(t, "device busy", s.Error)
}

func TestOwnerEngineFailure(t *testing.T) {
	srv, _ := noICYServer(t)
	eng := newFakeEngine()
	o := newTestOwner(t, testConfig(), eng, nil)

	require.NoError(t, o.Play(context.Background(), srv.URL, ""))
	eng.state(engine.Playing)
	eng.events <- engine.Event{Kind: engine.Failed, Message: "decoder error"}
	eng.state(engine.Buffering)
	flush(t, o, eng)

	s := o.Snapshot()
	assert.Equal(t, Stopped, s.Status)
	assert.Equal(t, "decoder error", s.Error)
}

func TestOwnerSetVolume(t *testing.T) {
	eng := newFakeEngine()
	o := newTestOwner(t, testConfig(), eng, nil)
	ctx := context.Background()

	for in, want := range map[int]int{-5: 0, 150: 100, 42: 42} {
		v, err := o.SetVolume(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, want, v)
		assert.Equal(t, want, o.Snapshot().Volume)
		assert.Equal(t, want, eng.volume)
	}

	eng.volErr = fmt.Errorf("mixer gone")
	_, err := o.SetVolume(ctx, 10)
	require.Error(t, err)
	assert.Equal(t, 42, o.Snapshot().Volume)
}

func TestOwnerApplyUpdate(t *testing.T) {
	sink := &recordingSink{}
	o := newTestOwner(t, testConfig(), newFakeEngine(), sink)

	title, artist, status := "Song", "Band", "playing"
	require.NoError(t, o.ApplyUpdate(context.Background(), Update{Title: &title, Artist: &artist, Status: &status}))

	s := o.Snapshot()
	assert.Equal(t, "Song", s.Title)
	assert.Equal(t, "Band", s.Artist)
	assert.Equal(t, Playing, s.Status)

	blank := " "
	require.NoError(t, o.ApplyUpdate(context.Background(), Update{Title: &blank}))
	s = o.Snapshot()
	assert.Equal(t, DefaultTitle, s.Title)
	assert.Equal(t, "Band", s.Artist)
	assert.Equal(t, Connecting, s.Status)

	require.Eventually(t, func() bool {
		u, ok := sink.last()
		return ok && u.Title == DefaultTitle && u.Status == "Connecting"
	}, time.Second, 5*time.Millisecond)
}

func TestOwnerWatchdogTimeout(t *testing.T) {
	srv, _ := noICYServer(t)
	cfg := testConfig()
	cfg.StartupTimeout = 100 * time.Millisecond
	eng := newFakeEngine()
	o := newTestOwner(t, cfg, eng, nil)

	require.NoError(t, o.Play(context.Background(), srv.URL, ""))
	eng.state(engine.Buffering)

	require.Eventually(t, func() bool {
		return o.Snapshot().Status == Stopped
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Stream start timeout after 0.1s", o.Snapshot().Error)

	eng.mu.Lock()
	assert.Equal(t, 1, eng.stops)
	eng.mu.Unlock()
}

func TestOwnerWatchdogMessage(t *testing.T) {
	assert.Equal(t, "Stream start timeout after 12s", fmt.Sprintf("Stream start timeout after %gs", defaultStartupTimeout.Seconds()))
}

func TestOwnerWatchdogCancelled(t *testing.T) {
	cases := map[string]func(t *testing.T, o *Owner, eng *fakeEngine, url string){
		"playing": func(t *testing.T, o *Owner, eng *fakeEngine, _ string) {
			eng.state(engine.Playing)
			flush(t, o, eng)
		},
		"opened": func(t *testing.T, o *Owner, eng *fakeEngine, _ string) {
			eng.events <- engine.Event{Kind: engine.Opened}
			flush(t, o, eng)
		},
		"stop": func(t *testing.T, o *Owner, _ *fakeEngine, _ string) {
			require.NoError(t, o.Stop(context.Background()))
		},
		"new play": func(t *testing.T, o *Owner, eng *fakeEngine, url string) {
			require.NoError(t, o.Play(context.Background(), url, "Other"))
			eng.state(engine.Playing)
			flush(t, o, eng)
		},
	}

	for name, cancel := range cases {
		t.Run(name, func(t *testing.T) {
			srv, _ := noICYServer(t)
			cfg := testConfig()
			cfg.StartupTimeout = 100 * time.Millisecond
			eng := newFakeEngine()
			o := newTestOwner(t, cfg, eng, nil)

			require.NoError(t, o.Play(context.Background(), srv.URL, ""))
			cancel(t, o, eng, srv.URL)

			time.Sleep(300 * time.Millisecond)
			assert.Empty(t, o.Snapshot().Error)
		})
	}
}

func TestOwnerStaleWatchdogFire(t *testing.T) {
	srv, _ := noICYServer(t)
	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)
	ctx := context.Background()

	require.NoError(t, o.Play(ctx, srv.URL, ""))
	var epoch, seq uint64
	require.NoError(t, o.do(ctx, func() error {
		epoch, seq = o.state.epoch, o.state.watchdogSeq
		return nil
	}))
	require.NoError(t, o.Play(ctx, srv.URL, ""))

	// The old timer fires after it was replaced.
	require.NoError(t, o.do(ctx, func() error {
		o.fireWatchdog(srv.URL, epoch, seq, time.Second)
		return nil
	}))
	s := o.Snapshot()
	assert.Equal(t, Connecting, s.Status)
	assert.Empty(t, s.Error)
}

func TestOwnerStaleTrackDiscarded(t *testing.T) {
	srv, _ := noICYServer(t)
	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)
	ctx := context.Background()

	require.NoError(t, o.Play(ctx, srv.URL, "Station"))
	require.NoError(t, o.do(ctx, func() error {
		o.applyTrack("http://old.example/stream", o.state.epoch, "Old - Track")
		o.applyTrack(srv.URL, o.state.epoch-1, "Old - Track")
		return nil
	}))

	s := o.Snapshot()
	assert.Equal(t, "Station", s.Artist)
	assert.Equal(t, "Station", s.Title)
}

func TestOwnerPlayStopRace(t *testing.T) {
	srv, _ := noICYServer(t)
	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.Play(ctx, srv.URL, "Race FM"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, o.Stop(ctx))
		}()
		wg.Wait()

		s := o.Snapshot()
		switch s.Status {
		case Stopped:
			assert.Empty(t, s.URL)
			assert.Equal(t, s.Station, s.Title)
			assert.Equal(t, engine.None, s.PlaybackState)
		case Connecting:
			assert.Equal(t, srv.URL, s.URL)
			assert.Equal(t, engine.Opening, s.PlaybackState)
		default:
			t.Fatalf("unexpected status %s", s.Status)
		}
		assert.Empty(t, s.Error)
	}
}

func TestOwnerMonitorTitles(t *testing.T) {
	srv := icyServer(t, "Test FM", "Artist - Song", "Artist - Song", "Ã\u0089lan - CafÃ©")
	sink := &recordingSink{}
	o := newTestOwner(t, testConfig(), newFakeEngine(), sink)

	require.NoError(t, o.Play(context.Background(), srv.URL, ""))

	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.Artist == "Élan" && s.Title == "Café"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Test FM", o.Snapshot().Station)

	require.Eventually(t, func() bool {
		u, ok := sink.last()
		return ok && u.Title == "Café"
	}, time.Second, 5*time.Millisecond)
}

func TestOwnerMonitorRepeatAfterUpdate(t *testing.T) {
	const metaint = 16
	next := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("icy-metaint", fmt.Sprint(metaint))
		send := func() {
			_, _ = w.Write(make([]byte, metaint))
			_, _ = w.Write(icyBlock("StreamTitle='A - B';"))
			w.(http.Flusher).Flush()
		}

		send()
		select {
		case <-next:
			send()
		case <-r.Context().Done():
			return
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)
	ctx := context.Background()
	require.NoError(t, o.Play(ctx, srv.URL, ""))

	require.Eventually(t, func() bool { return o.Snapshot().Title == "B" }, 2*time.Second, 10*time.Millisecond)

	title := "X"
	require.NoError(t, o.ApplyUpdate(ctx, Update{Title: &title}))
	require.Equal(t, "X", o.Snapshot().Title)

	close(next)
	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.Title == "B" && s.Artist == "A"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOwnerMonitorNamedStation(t *testing.T) {
	srv := icyServer(t, "Server Name", "Just A Title")
	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)

	require.NoError(t, o.Play(context.Background(), srv.URL, "Chosen"))

	require.Eventually(t, func() bool {
		return o.Snapshot().Title == "Just A Title"
	}, 2*time.Second, 10*time.Millisecond)
	s := o.Snapshot()
	assert.Equal(t, "Chosen", s.Station)
	assert.Equal(t, "Chosen", s.Artist)
}

func TestOwnerMonitorNoICY(t *testing.T) {
	srv, hits := noICYServer(t)
	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)

	require.NoError(t, o.Play(context.Background(), srv.URL, ""))
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Several reconnect delays later there was still only one request.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOwnerMonitorReconnects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("icy-metaint", "8")
		_, _ = w.Write(make([]byte, 8))
		_, _ = w.Write(icyBlock("StreamTitle='A - B';"))
	}))
	t.Cleanup(srv.Close)

	o := newTestOwner(t, testConfig(), newFakeEngine(), nil)
	require.NoError(t, o.Play(context.Background(), srv.URL, ""))

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "B", o.Snapshot().Title)
}

func TestOwnerShutdown(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)

	srv := icyServer(t, "", "A - B")
	defer srv.Close()

	cfg := testConfig()
	cfg.StartupTimeout = 50 * time.Millisecond
	eng := newFakeEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(cfg, eng, nil, *logger)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), o))

	require.NoError(t, o.Play(context.Background(), srv.URL, ""))
	require.Eventually(t, func() bool { return o.Snapshot().Title == "B" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), o))

	require.ErrorIs(t, o.Stop(context.Background()), ErrNotRunning)
}
