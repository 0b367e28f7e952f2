// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package upower

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
)

// A Header is the first line of an event reported by "upower
// --monitor-detail", for example:
//
//	[10:26:07.4485]	device changed:     /org/freedesktop/UPower/devices/battery_BAT0
type Header struct {
	Clock time.Duration // time of day of the event
	Kind  string        // e.g., "device changed"
	Value string        // e.g., the device object path
}

// ParseHeader parses an event header line.
func ParseHeader(line string) (Header, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return Header{}, errors.New("missing event timestamp")
	}
	stamp, rest, ok := strings.Cut(line[1:], "]")
	if !ok {
		return Header{}, errors.New("unterminated event timestamp")
	}
	clock, err := parseClock(stamp)
	if err != nil {
		return Header{}, err
	}
	kind, value, _ := strings.Cut(rest, ":")
	return Header{
		Clock: clock,
		Kind:  strings.TrimSpace(kind),
		Value: strings.TrimSpace(value),
	}, nil
}

// parseClock parses a time of day "HH:MM:SS[.frac]" to microsecond
// precision.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid event time %q", s)
	}
	secs, frac, _ := strings.Cut(parts[2], ".")
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac += strings.Repeat("0", 6-len(frac))

	h, herr := strconv.Atoi(parts[0])
	m, merr := strconv.Atoi(parts[1])
	sec, serr := strconv.Atoi(secs)
	us, uerr := strconv.Atoi(frac)
	if err := errors.Join(herr, merr, serr, uerr); err != nil {
		return 0, fmt.Errorf("invalid event time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 60 || us < 0 {
		return 0, fmt.Errorf("event time %q out of range", s)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(us)*time.Microsecond, nil
}

// An Event is a device update reported by the monitor.
type Event struct {
	Header
	Info Info
}

// Time returns the time at which the event occurred. It uses the "updated"
// property of the event when present. Otherwise it places the header clock on
// the UTC day of now or the day before, whichever is closer to now.
func (e Event) Time(now time.Time) time.Time {
	if t, ok := e.Info.Updated(); ok {
		return t
	}
	now = now.UTC()
	y, mo, d := now.Date()
	today := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Add(e.Clock)
	yesterday := today.AddDate(0, 0, -1)
	if now.Sub(yesterday).Abs() < now.Sub(today).Abs() {
		return yesterday
	}
	return today
}

// ScanEvents reads monitor output from r and calls f for each complete
// event. Events are separated by blank lines. A leading banner line that is
// not an event header is skipped. Malformed events are logged and skipped.
// ScanEvents returns when r reports end of input.
func ScanEvents(r io.Reader, log logr.Logger, f func(Event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 1<<20)

	var chunk []string
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		hdr, err := ParseHeader(chunk[0])
		if err != nil {
			log.Error(err, "Invalid monitor event", "header", chunk[0])
		} else {
			f(Event{Header: hdr, Info: ParseInfo(strings.Join(chunk[1:], "\n"))})
		}
		chunk = chunk[:0]
	}

	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			if !strings.HasPrefix(line, "[") {
				log.V(1).Info("Ignoring monitor banner", "line", line)
				continue
			}
		}
		if strings.TrimSpace(line) == "" {
			flush()
		} else {
			chunk = append(chunk, line)
		}
	}
	flush()
	return sc.Err()
}

// A Monitor tracks the power devices known to upower and reports changes
// to them. Start and Stop must not be called concurrently with each other.
type Monitor struct {
	// Command is the path of the upower tool. If empty, "upower" is found on
	// the search path.
	Command string

	// OnDeviceUpdated, if set, is called with the merged properties of a device
	// each time the device changes. Calls are made from a single goroutine.
	OnDeviceUpdated func(at time.Time, path string, info Info)

	// Log receives diagnostics. The zero value discards them.
	Log logr.Logger

	now func() time.Time // for testing; defaults to time.Now

	μ       sync.Mutex
	devices map[string]Info
	proc    *exec.Cmd
	tasks   *taskgroup.Group
}

func (m *Monitor) command() string {
	if m.Command == "" {
		return "upower"
	}
	return m.Command
}

func (m *Monitor) timeNow() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// run executes the tool with args and returns its output. The tool runs with
// TZ=UTC so that reported times parse without ambiguity.
func (m *Monitor) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.command(), args...)
	cmd.Env = append(os.Environ(), "TZ=UTC")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", m.command(), strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Enumerate returns the object paths of the devices known to upower.
func (m *Monitor) Enumerate(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, "--enumerate")
	if err != nil {
		return nil, err
	}
	return ParseDeviceList(out), nil
}

// ShowInfo returns the current properties of the specified device.
func (m *Monitor) ShowInfo(ctx context.Context, path string) (Info, error) {
	out, err := m.run(ctx, "--show-info", path)
	if err != nil {
		return nil, err
	}
	info := ParseInfo(out)
	if len(info) == 0 {
		return nil, fmt.Errorf("no device info for %q", path)
	}
	return info, nil
}

// Start fetches the initial state of each device and then starts the
// monitor. It is not an error to start a monitor that is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.μ.Lock()
	running := m.proc != nil
	m.μ.Unlock()
	if running {
		m.Log.Info("Monitor is already running")
		return nil
	}

	paths, err := m.Enumerate(ctx)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		m.Log.Info("No power devices found")
	} else {
		m.Log.Info("Found power devices", "devices", paths)
	}
	devices := make(map[string]Info)
	for _, p := range paths {
		info, err := m.ShowInfo(ctx, p)
		if err != nil {
			m.Log.Error(err, "Fetching device info", "device", p)
			continue
		}
		devices[p] = info
	}

	cmd := exec.Command(m.command(), "--monitor-detail")
	cmd.Env = append(os.Environ(), "TZ=UTC")
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	m.devices = devices
	m.proc = cmd
	m.tasks = taskgroup.New(nil)
	m.tasks.Go(func() error {
		err := ScanEvents(out, m.Log, m.update)
		m.Log.V(1).Info("Monitor output ended", "err", err)
		return err
	})
	return nil
}

// Stop terminates the monitor and waits for its output to be consumed. It is
// safe to call Stop on a monitor that is not running.
func (m *Monitor) Stop() error {
	m.μ.Lock()
	proc, tasks := m.proc, m.tasks
	m.proc, m.tasks = nil, nil
	m.μ.Unlock()
	if proc == nil {
		return nil
	}

	proc.Process.Kill() // it may already have exited
	serr := tasks.Wait()
	werr := proc.Wait()
	var xerr *exec.ExitError
	if errors.As(werr, &xerr) {
		werr = nil // killed, or exited on its own
	}
	return errors.Join(serr, werr)
}

// Devices returns a copy of the current properties of each known device.
func (m *Monitor) Devices() map[string]Info {
	m.μ.Lock()
	defer m.μ.Unlock()
	out := make(map[string]Info, len(m.devices))
	for p, info := range m.devices {
		out[p] = info.Clone()
	}
	return out
}

func (m *Monitor) update(ev Event) {
	if ev.Kind != "device changed" && ev.Kind != "device added" {
		m.Log.V(1).Info("Ignoring monitor event", "kind", ev.Kind, "value", ev.Value)
		return
	}
	path := ev.Value
	if path == "" {
		return
	}
	at := ev.Time(m.timeNow())

	m.μ.Lock()
	old, ok := m.devices[path]
	if !ok {
		m.Log.Info("New device", "device", path)
	}
	merged := old.Merge(ev.Info)
	if m.devices == nil {
		m.devices = make(map[string]Info)
	}
	m.devices[path] = merged
	m.μ.Unlock()

	m.Log.V(1).Info("Device updated", "device", path, "at", at)
	if m.OnDeviceUpdated != nil {
		m.OnDeviceUpdated(at, path, merged.Clone())
	}
}
