// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package syssignal reports system suspend, resume, and shutdown using the
// login1 service on the system message bus.
package syssignal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
	"github.com/godbus/dbus/v5"
)

const (
	login1Name  = "org.freedesktop.login1"
	login1Path  = dbus.ObjectPath("/org/freedesktop/login1")
	managerIntf = "org.freedesktop.login1.Manager"

	sleepSignal    = managerIntf + ".PrepareForSleep"
	shutdownSignal = managerIntf + ".PrepareForShutdown"
)

// retryDelay is how long a Listener waits before reconnecting after the bus
// connection fails.
const retryDelay = 2 * time.Second

// busConn is the subset of *dbus.Conn used by a Listener.
type busConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

func dialSystemBus() (busConn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// A Listener invokes callbacks when the system prepares to sleep, wakes from
// sleep, or prepares to shut down. Callbacks are invoked from a single
// goroutine in the order the signals arrive.
type Listener struct {
	OnSuspend  func()
	OnResume   func()
	OnShutdown func()

	// Log receives diagnostics. The zero value discards them.
	Log logr.Logger

	dial func() (busConn, error) // for testing; defaults to the system bus

	μ     sync.Mutex
	stop  context.CancelFunc
	tasks *taskgroup.Group
}

// Listen starts delivering signals to l until ctx ends or Unlisten is
// called. Listen does not wait for the bus connection; connection failures
// are logged and retried.
func (l *Listener) Listen(ctx context.Context) {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.tasks != nil {
		l.Log.Info("Listener is already listening")
		return
	}
	ctx, l.stop = context.WithCancel(ctx)
	l.tasks = taskgroup.New(nil)
	l.tasks.Go(func() error { l.run(ctx); return nil })
}

// Unlisten stops delivering signals and waits for the listener to exit. It
// is safe to call Unlisten when l is not listening.
func (l *Listener) Unlisten() {
	l.μ.Lock()
	stop, tasks := l.stop, l.tasks
	l.stop, l.tasks = nil, nil
	l.μ.Unlock()
	if tasks == nil {
		return
	}
	stop()
	tasks.Wait()
}

func (l *Listener) run(ctx context.Context) {
	dial := l.dial
	if dial == nil {
		dial = dialSystemBus
	}
	for {
		err := l.receive(ctx, dial)
		if ctx.Err() != nil {
			return
		}
		l.Log.Error(err, "Receiving system signals; retrying", "delay", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// receive connects to the bus and delivers signals until ctx ends or the
// connection fails.
func (l *Listener) receive(ctx context.Context, dial func() (busConn, error)) error {
	conn, err := dial()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	for _, member := range []string{"PrepareForSleep", "PrepareForShutdown"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(login1Path),
			dbus.WithMatchInterface(managerIntf),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("add match %s: %w", member, err)
		}
	}
	ch := make(chan *dbus.Signal, 8)
	conn.Signal(ch)
	defer conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return errors.New("bus connection closed")
			}
			l.handle(sig)
		}
	}
}

func (l *Listener) handle(sig *dbus.Signal) {
	if sig.Name != sleepSignal && sig.Name != shutdownSignal {
		return
	}
	if len(sig.Body) == 0 {
		l.Log.Error(nil, "Invalid number of arguments for signal", "signal", sig.Name)
		return
	}
	start, ok := sig.Body[0].(bool)
	if !ok {
		l.Log.Error(nil, "Invalid argument type for signal", "signal", sig.Name, "type", fmt.Sprintf("%T", sig.Body[0]))
		return
	}
	switch {
	case sig.Name == sleepSignal && start:
		call(l.OnSuspend)
	case sig.Name == sleepSignal:
		call(l.OnResume)
	case start:
		call(l.OnShutdown)
	default:
		l.Log.V(1).Info("Shutdown was cancelled")
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}

// inhibitFunc requests an inhibitor lock from login1 and returns the file
// descriptor that holds it.
type inhibitFunc func(what, who, why, mode string) (*os.File, error)

func inhibitSystemBus(what, who, why, mode string) (*os.File, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	var fd dbus.UnixFD
	if err := conn.Object(login1Name, login1Path).Call(managerIntf+".Inhibit", 0, what, who, why, mode).Store(&fd); err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "login1-inhibit"), nil
}

// An Inhibitor holds a login1 "delay" lock on sleep and shutdown, so that the
// system waits for the holder to record the event before it proceeds.
type Inhibitor struct {
	Who string // application name reported to login1
	Why string // reason reported to login1

	inhibit inhibitFunc // for testing; defaults to the system bus

	μ  sync.Mutex
	fd *os.File
}

// Acquire takes the lock. It is a no-op if the lock is already held.
func (in *Inhibitor) Acquire() error {
	in.μ.Lock()
	defer in.μ.Unlock()
	if in.fd != nil {
		return nil
	}
	inhibit := in.inhibit
	if inhibit == nil {
		inhibit = inhibitSystemBus
	}
	fd, err := inhibit("shutdown:sleep", in.Who, in.Why, "delay")
	if err != nil {
		return fmt.Errorf("inhibit: %w", err)
	}
	in.fd = fd
	return nil
}

// Release gives up the lock, allowing a pending sleep or shutdown to
// proceed. It is a no-op if the lock is not held.
func (in *Inhibitor) Release() error {
	in.μ.Lock()
	defer in.μ.Unlock()
	if in.fd == nil {
		return nil
	}
	err := in.fd.Close()
	in.fd = nil
	return err
}

// Held reports whether the lock is currently held.
func (in *Inhibitor) Held() bool {
	in.μ.Lock()
	defer in.μ.Unlock()
	return in.fd != nil
}
