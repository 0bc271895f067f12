package session

import (
	"fmt"
	"time"

	"github.com/zachfi/smtchost/pkg/engine"
)

// startWatchdog arms the startup timer for url. Only one timer is armed at a
// time; each arm bumps watchdogSeq so a timer that fires after being replaced
// finds a different sequence and does nothing.
func (o *Owner) startWatchdog(url string, epoch uint64) {
	o.cancelWatchdog()

	o.state.watchdogSeq++
	seq := o.state.watchdogSeq
	timeout := o.cfg.StartupTimeout
	ctx := o.ctx

	o.state.watchdog = time.AfterFunc(timeout, func() {
		o.post(ctx, func() { o.fireWatchdog(url, epoch, seq, timeout) })
	})
}

func (o *Owner) cancelWatchdog() {
	if o.state.watchdog == nil {
		return
	}
	o.state.watchdog.Stop()
	o.state.watchdog = nil
	o.state.watchdogSeq++
}

func (o *Owner) fireWatchdog(url string, epoch, seq uint64, timeout time.Duration) {
	st := &o.state
	if seq != st.watchdogSeq || !o.current(url, epoch) {
		return
	}
	st.watchdog = nil

	if st.raw == engine.Playing {
		return
	}

	metricWatchdogTimeouts.Inc()
	o.cancelMonitor()

	if o.engine != nil {
		if err := o.engine.Stop(); err != nil {
			o.logger.Debug("engine stop after startup timeout", "err", err)
		}
	}

	st.failed = true
	st.raw = engine.None
	st.session.Status = Stopped
	st.session.Error = fmt.Sprintf("Stream start timeout after %gs", timeout.Seconds())
	o.touch()

	o.logger.Warn("stream start timeout", "url", url, "timeout", timeout)
	o.push()
}
