// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package backend implements the back-end process of the power history
// plugin. The back-end records battery state and system events in a history
// database and answers queries from the front-end over a PipeTalk channel.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/battery-analytics/pipetalk"
	"github.com/battery-analytics/pipetalk/config"
	"github.com/battery-analytics/pipetalk/history"
	"github.com/battery-analytics/pipetalk/syssignal"
	"github.com/battery-analytics/pipetalk/upower"
	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// errNotLoaded is reported by queries made before the plugin is loaded.
var errNotLoaded = &pipetalk.ErrorData{Message: "plugin is not loaded"}

// A Plugin is the state of the back-end. Main loads the plugin and Unload
// releases its resources; queries are answered while it is loaded.
type Plugin struct {
	cfg *config.Config
	log logr.Logger
	set *metrics.Set
	now func() time.Time

	op sync.Mutex // serializes Main and Unload

	μ         sync.Mutex
	started   bool
	ctx       context.Context // plugin lifetime, for background writes
	cancel    context.CancelFunc
	store     *history.Store
	monitor   *upower.Monitor
	listener  *syssignal.Listener
	inhibitor *syssignal.Inhibitor
	cron      *cron.Cron
}

// New constructs an unloaded plugin with the given settings.
func New(cfg *config.Config, log logr.Logger) *Plugin {
	return &Plugin{
		cfg: cfg,
		log: log,
		set: metrics.NewSet(),
		now: time.Now,
	}
}

// Started reports whether the plugin is loaded.
func (p *Plugin) Started() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.started
}

// Main loads the plugin: it opens the history database, subscribes to system
// signals, starts the device monitor and the retention schedule, and records
// a plugin_load event. Calling Main on a loaded plugin logs a warning and
// reloads it.
func (p *Plugin) Main(ctx context.Context) error {
	p.log.Info("Loading plugin")
	p.op.Lock()
	defer p.op.Unlock()
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.started {
		p.log.Info("Main called when the plugin is already loaded")
	}
	p.started = true
	loadTime := p.now()
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}

	if p.store == nil {
		path := p.cfg.Storage.DBPath()
		st, err := history.Open(ctx, path)
		if err != nil {
			p.started = false
			return fmt.Errorf("open history: %w", err)
		}
		p.log.Info("Opened history", "path", path)
		p.store = st
	}

	if p.cfg.Signals.Enabled {
		if p.cfg.Signals.Inhibit && p.inhibitor == nil {
			p.inhibitor = &syssignal.Inhibitor{Who: "powerlog", Why: "Recording power state"}
			if err := p.inhibitor.Acquire(); err != nil {
				p.log.Error(err, "Taking sleep inhibitor lock")
			}
		}
		if p.listener == nil {
			p.listener = &syssignal.Listener{
				OnSuspend:  p.onSuspend,
				OnResume:   p.onResume,
				OnShutdown: p.onShutdown,
				Log:        p.log.WithName("signals"),
			}
		}
		p.listener.Listen(p.ctx)
	}

	if p.cfg.Monitor.Enabled {
		if p.monitor == nil {
			p.monitor = &upower.Monitor{
				Command:         p.cfg.Monitor.UPowerPath,
				OnDeviceUpdated: p.onDeviceUpdated,
				Log:             p.log.WithName("upower"),
			}
		}
		p.log.Info("Starting device monitor")
		if err := p.monitor.Start(ctx); err != nil {
			p.log.Error(err, "Starting device monitor")
		}
	}

	if p.cron == nil && p.cfg.Storage.RetentionDays > 0 {
		c := cron.New(cron.WithChain(cron.Recover(p.log)), cron.WithLocation(time.UTC))
		if _, err := c.AddFunc(p.cfg.Storage.PruneSchedule, func() {
			_, ctx, ok := p.background()
			if !ok {
				return
			}
			if _, err := p.Prune(ctx); err != nil {
				p.log.Error(err, "Pruning history")
			}
		}); err != nil {
			p.log.Error(err, "Invalid prune schedule", "schedule", p.cfg.Storage.PruneSchedule)
		} else {
			c.Start()
			p.cron = c
		}
	}

	if _, err := p.store.AddSystemEvent(ctx, loadTime, history.EventPluginLoad); err != nil {
		return fmt.Errorf("record load: %w", err)
	}
	p.counter("powerlog_system_events_total").Inc()
	return nil
}

// Unload stops background activity, records a plugin_unload event if the
// plugin was loaded, and closes the history database. Calling Unload on a
// plugin that is not loaded logs a warning and releases whatever remains.
func (p *Plugin) Unload(ctx context.Context) error {
	p.log.Info("Unloading plugin")
	p.op.Lock()
	defer p.op.Unlock()

	// Stop the sources of callbacks before taking the lock they use.
	p.μ.Lock()
	wasStarted := p.started
	p.started = false
	monitor, listener, sched := p.monitor, p.listener, p.cron
	p.cron = nil
	p.μ.Unlock()

	if !wasStarted {
		p.log.Info("Unload called when the plugin is not loaded")
	}
	unloadTime := p.now()
	if monitor != nil {
		if err := monitor.Stop(); err != nil {
			p.log.Error(err, "Stopping device monitor")
		}
	}
	if sched != nil {
		<-sched.Stop().Done()
	}
	if listener != nil {
		listener.Unlisten()
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	var errs []error
	if wasStarted && p.store != nil {
		if _, err := p.store.AddSystemEvent(ctx, unloadTime, history.EventPluginUnload); err != nil {
			errs = append(errs, fmt.Errorf("record unload: %w", err))
		} else {
			p.counter("powerlog_system_events_total").Inc()
		}
	}
	if p.inhibitor != nil {
		if err := p.inhibitor.Release(); err != nil {
			p.log.Error(err, "Releasing sleep inhibitor lock")
		}
		p.inhibitor = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.ctx, p.cancel = nil, nil
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
		p.store = nil
	}
	return errors.Join(errs...)
}

// Prune deletes logs older than the configured retention period and reports
// the number of rows removed. It does nothing if retention is unlimited.
func (p *Plugin) Prune(ctx context.Context) (int64, error) {
	days := p.cfg.Storage.RetentionDays
	if days <= 0 {
		return 0, nil
	}
	st, err := p.loadedStore()
	if err != nil {
		return 0, err
	}
	before := p.now().UTC().AddDate(0, 0, -days)
	n, err := st.Prune(ctx, before)
	if err == nil && n > 0 {
		p.log.Info("Pruned history", "rows", n, "before", before)
	}
	return n, err
}

// Metrics returns the back-end metrics in Prometheus text format.
func (p *Plugin) Metrics() string {
	var buf bytes.Buffer
	p.set.WritePrometheus(&buf)
	return buf.String()
}

func (p *Plugin) loadedStore() (*history.Store, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.store == nil {
		return nil, errNotLoaded
	}
	return p.store, nil
}

// background returns the store and the plugin lifetime context, or false if
// the plugin is not loaded.
func (p *Plugin) background() (*history.Store, context.Context, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.store == nil || p.ctx == nil {
		return nil, nil, false
	}
	return p.store, p.ctx, true
}

func (p *Plugin) counter(name string) *metrics.Counter { return p.set.GetOrCreateCounter(name) }

func (p *Plugin) onDeviceUpdated(at time.Time, path string, info upower.Info) {
	st, ctx, ok := p.background()
	if !ok {
		p.log.Info("Device update while unloaded", "device", path)
		return
	}
	p.log.V(1).Info("Power device updated", "device", path, "at", at)
	if err := st.LogDeviceInfo(ctx, at, path, info); err != nil {
		p.log.Error(err, "Recording device state", "device", path)
		p.counter("powerlog_device_update_errors_total").Inc()
		return
	}
	p.counter("powerlog_device_updates_total").Inc()
}

func (p *Plugin) recordEvent(kind history.EventKind) {
	now := p.now()
	st, ctx, ok := p.background()
	if !ok {
		p.log.Info("System event while unloaded", "event", kind)
		return
	}
	p.log.Info("System event", "event", kind, "at", now.UTC())
	if _, err := st.AddSystemEvent(ctx, now, kind); err != nil {
		p.log.Error(err, "Recording system event", "event", kind)
		return
	}
	p.counter("powerlog_system_events_total").Inc()
}

// The inhibitor lock delays sleep and shutdown until the event is recorded.
// It is released once the event is stored and taken again on resume.

func (p *Plugin) onSuspend() {
	p.recordEvent(history.EventSuspend)
	p.releaseInhibitor()
}

func (p *Plugin) onShutdown() {
	p.recordEvent(history.EventShutdown)
	p.releaseInhibitor()
}

func (p *Plugin) onResume() {
	p.μ.Lock()
	in := p.inhibitor
	p.μ.Unlock()
	if in != nil {
		if err := in.Acquire(); err != nil {
			p.log.Error(err, "Taking sleep inhibitor lock")
		}
	}
	p.recordEvent(history.EventResume)
}

func (p *Plugin) releaseInhibitor() {
	p.μ.Lock()
	in := p.inhibitor
	p.μ.Unlock()
	if in != nil {
		if err := in.Release(); err != nil {
			p.log.Error(err, "Releasing sleep inhibitor lock")
		}
	}
}
