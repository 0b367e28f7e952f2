// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package frontend implements the host side of the power history plugin. A
// Frontend runs the back-end as a child process and forwards queries to it
// over a PipeTalk channel on the child's standard input and output.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/battery-analytics/pipetalk"
	"github.com/battery-analytics/pipetalk/channel"
	"github.com/battery-analytics/pipetalk/config"
	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
)

// ErrNoBackend is reported by queries when the back-end is not running.
var ErrNoBackend = errors.New("no back-end available")

// A Frontend manages a back-end process. Its methods are safe for concurrent
// use, but Main and Unload should not overlap.
type Frontend struct {
	command []string
	grace   time.Duration
	log     logr.Logger

	// Stderr, if non-nil, receives the standard error of the back-end.
	// Otherwise the back-end shares the standard error of this process.
	Stderr io.Writer

	μ    sync.Mutex
	proc *process
	exit *os.ProcessState // of the last back-end to exit
}

// A process is a running back-end and the talker connected to it.
type process struct {
	cmd    *exec.Cmd
	conn   channel.Conn
	talker *pipetalk.Talker
	waiter *taskgroup.Group
	exited chan struct{} // closed when cmd has exited
}

// New constructs a Frontend that runs the back-end described by cfg.
func New(cfg config.FrontendConfig, log logr.Logger) *Frontend {
	grace := cfg.TerminateGrace.Std()
	if grace <= 0 {
		grace = config.Default().Frontend.TerminateGrace.Std()
	}
	return &Frontend{command: cfg.BackendCommand, grace: grace, log: log}
}

// Loaded reports whether a back-end process is running.
func (f *Frontend) Loaded() bool { return f.current() != nil }

// Main starts the back-end process and asks it to load. If the back-end
// fails to load, Main stops it and reports the error.
func (f *Frontend) Main(ctx context.Context) error {
	f.log.Info("Loading plugin")
	if f.Loaded() {
		f.log.Info("Main called when the back-end is already running")
		return nil
	}
	if len(f.command) == 0 {
		return errors.New("no back-end command is configured")
	}

	cmd := exec.Command(f.command[0], f.command[1:]...)
	cmd.Stderr = f.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	f.log.Info("Starting back-end", "command", f.command)
	conn, err := channel.Start(cmd)
	if err != nil {
		return err
	}
	p := &process{
		cmd:    cmd,
		conn:   conn,
		talker: pipetalk.New(conn.R, conn.W).SetLogger(f.log.WithName("talker")).Listen(),
		waiter: taskgroup.New(nil),
		exited: make(chan struct{}),
	}
	p.waiter.Go(func() error {
		defer close(p.exited)
		err := cmd.Wait()
		f.log.Info("Back-end exited", "pid", cmd.Process.Pid, "status", cmd.ProcessState.String())
		f.μ.Lock()
		f.exit = cmd.ProcessState
		f.μ.Unlock()
		return err
	})
	f.μ.Lock()
	f.proc = p
	f.μ.Unlock()

	if _, err := p.talker.Call(ctx, "_main", nil); err != nil {
		f.log.Error(err, "Back-end failed to load")
		f.μ.Lock()
		f.proc = nil
		f.μ.Unlock()
		return errors.Join(fmt.Errorf("load back-end: %w", err), f.stop(context.Background(), p))
	}
	f.log.Info("Done loading plugin")
	return nil
}

// Unload asks the back-end to unload, then terminates it and stops the
// talker. A back-end that does not exit within the grace period after
// SIGTERM is killed. Unload does nothing if no back-end is running.
func (f *Frontend) Unload(ctx context.Context) error {
	f.log.Info("Unloading plugin")
	f.μ.Lock()
	p := f.proc
	f.proc = nil
	f.μ.Unlock()
	if p == nil {
		f.log.Info("Unload called when no back-end is running")
		return nil
	}

	var errs []error
	if _, err := p.talker.Call(ctx, "_unload", nil); err != nil {
		errs = append(errs, fmt.Errorf("unload back-end: %w", err))
	}
	errs = append(errs, f.stop(ctx, p))
	f.log.Info("Done unloading plugin")
	return errors.Join(errs...)
}

// stop terminates the process of p and shuts down its talker.
func (f *Frontend) stop(ctx context.Context, p *process) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		f.log.Error(err, "Signaling back-end")
	}
	select {
	case <-p.exited:
	case <-time.After(f.grace):
		f.log.Info("Back-end did not exit; killing it", "grace", f.grace)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			f.log.Error(err, "Killing back-end")
		}
		<-p.exited
	}
	p.waiter.Wait() // the exit status was logged

	err := p.talker.Unlisten(ctx)
	p.conn.Close()
	return err
}

// Call forwards a request for method with params to the back-end and returns
// its result.
func (f *Frontend) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p := f.current()
	if p == nil {
		return nil, ErrNoBackend
	}
	return p.talker.Call(ctx, method, params)
}

// BatteryStateLogs forwards a get_battery_state_logs query. The params are
// the keyword mapping understood by the back-end.
func (f *Frontend) BatteryStateLogs(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return f.Call(ctx, "get_battery_state_logs", kwargs(params))
}

// SystemEventLogs forwards a get_system_event_logs query.
func (f *Frontend) SystemEventLogs(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return f.Call(ctx, "get_system_event_logs", kwargs(params))
}

// kwargs omits the payload for an empty mapping.
func kwargs(params map[string]any) any {
	if len(params) == 0 {
		return nil
	}
	return params
}

// ExitState reports the exit status of the most recent back-end process to
// exit, or nil if none has.
func (f *Frontend) ExitState() *os.ProcessState {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.exit
}

func (f *Frontend) current() *process {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.proc
}
