// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package history stores battery state and system event logs in a SQLite
// database.
//
// Times are stored as integer Unix microseconds in UTC. Battery state logs
// are keyed by device path and time; recording a second state for the same
// device and time replaces the first.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/battery-analytics/pipetalk/upower"
	"github.com/creachadair/mds/value"
	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

// EventKind names a kind of system event.
type EventKind string

// Kinds of system events.
const (
	EventSuspend      EventKind = "suspend"
	EventResume       EventKind = "resume"
	EventShutdown     EventKind = "shutdown"
	EventPluginLoad   EventKind = "plugin_load"
	EventPluginUnload EventKind = "plugin_unload"
	EventACOnline     EventKind = "ac_online"
	EventACOffline    EventKind = "ac_offline"
)

// BatteryStateLog is the recorded state of a battery at a point in time.
// Measurements the device did not report are nil.
type BatteryStateLog struct {
	DevicePath       string    `json:"device_path"`
	Time             time.Time `json:"time"`
	State            string    `json:"state"`
	Energy           *float64  `json:"energy_Wh"`
	EnergyEmpty      *float64  `json:"energy_empty_Wh"`
	EnergyFull       *float64  `json:"energy_full_Wh"`
	EnergyFullDesign *float64  `json:"energy_full_design_Wh"`
	EnergyRate       *float64  `json:"energy_rate_W"`
	Voltage          *float64  `json:"voltage_V"`
	SecondsTillFull  *float64  `json:"seconds_till_full"`
	PercentCurrent   *float64  `json:"percent_current"`
	PercentCapacity  *float64  `json:"percent_capacity"`
}

// SystemEventLog is a recorded system event.
type SystemEventLog struct {
	ID    string    `json:"id"`
	Time  time.Time `json:"time"`
	Event EventKind `json:"event"`
}

// A Query selects logs by time. A nil bound is unbounded.
type Query struct {
	Start     *time.Time
	StartIncl bool
	End       *time.Time
	EndIncl   bool

	// If set, keep one battery log per device in each interval.
	Group *Grouping
}

// Grouping partitions logs into intervals of a fixed length beginning at
// Start. Interval k covers [Start + k*Interval, Start + (k+1)*Interval).
type Grouping struct {
	Start       time.Time
	Interval    time.Duration
	PreferFirst bool // keep the earliest log of each interval rather than the latest
}

// ErrUnknownDevice is reported by LogDeviceInfo for devices that are neither
// batteries nor line power supplies.
var ErrUnknownDevice = errors.New("unknown device type")

// Store owns the history database.
type Store struct {
	db   *sql.DB
	path string

	μ        sync.Mutex
	acOnline map[string]bool // last reported state per line power device
	entropy  *ulid.MonotonicEntropy
}

// Open opens or creates the history database at path, creating its directory
// if necessary.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:       db,
		path:     path,
		acOnline: make(map[string]bool),
		entropy:  ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the path of the database file.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS BatteryStateLog (
			device_path TEXT NOT NULL,
			time INTEGER NOT NULL,
			state TEXT NOT NULL,
			energy_Wh REAL,
			energy_empty_Wh REAL,
			energy_full_Wh REAL,
			energy_full_design_Wh REAL,
			energy_rate_W REAL,
			voltage_V REAL,
			seconds_till_full REAL,
			percent_current REAL,
			percent_capacity REAL,
			PRIMARY KEY(device_path, time)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_battery_time ON BatteryStateLog(time);`,
		`CREATE TABLE IF NOT EXISTS SystemEventLog (
			id TEXT PRIMARY KEY,
			time INTEGER NOT NULL,
			event TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_time ON SystemEventLog(time);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init history: %w", err)
		}
	}
	return nil
}

// AddBatteryStateLog records a battery state.
func (s *Store) AddBatteryStateLog(ctx context.Context, log BatteryStateLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO BatteryStateLog(
			device_path, time, state, energy_Wh, energy_empty_Wh, energy_full_Wh,
			energy_full_design_Wh, energy_rate_W, voltage_V, seconds_till_full,
			percent_current, percent_capacity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, log.DevicePath, log.Time.UnixMicro(), log.State,
		log.Energy, log.EnergyEmpty, log.EnergyFull, log.EnergyFullDesign,
		log.EnergyRate, log.Voltage, log.SecondsTillFull,
		log.PercentCurrent, log.PercentCapacity)
	return err
}

// BatteryStateLogFromInfo constructs a log entry from the battery section of
// a device's properties. It reports false if info has no battery section.
func BatteryStateLogFromInfo(at time.Time, path string, info upower.Info) (BatteryStateLog, bool, []error) {
	b, ok, errs := info.Battery()
	if !ok {
		return BatteryStateLog{}, false, nil
	}
	log := BatteryStateLog{
		DevicePath:       path,
		Time:             at.UTC(),
		State:            b.State,
		Energy:           b.Energy,
		EnergyEmpty:      b.EnergyEmpty,
		EnergyFull:       b.EnergyFull,
		EnergyFullDesign: b.EnergyFullDesign,
		EnergyRate:       b.EnergyRate,
		Voltage:          b.Voltage,
		PercentCurrent:   b.Percent,
		PercentCapacity:  b.Capacity,
	}
	if log.State == "" {
		log.State = "unknown"
	}
	if b.TimeToFull != nil {
		secs := b.TimeToFull.Seconds()
		log.SecondsTillFull = &secs
	}
	return log, true, errs
}

// LogDeviceInfo records the state of a device reported at the given time.
// Battery devices add a battery state log. Line power devices add an
// ac_online or ac_offline event when their state differs from the last one
// recorded by s. Values that could not be decoded are omitted from the log.
func (s *Store) LogDeviceInfo(ctx context.Context, at time.Time, path string, info upower.Info) error {
	switch info.Type() {
	case upower.TypeBattery:
		log, _, errs := BatteryStateLogFromInfo(at, path, info)
		if err := s.AddBatteryStateLog(ctx, log); err != nil {
			return err
		}
		return errors.Join(errs...)

	case upower.TypeLinePower:
		online, ok := info.Online()
		if !ok {
			return nil
		}
		s.μ.Lock()
		last, seen := s.acOnline[path]
		s.acOnline[path] = online
		s.μ.Unlock()
		if seen && last == online {
			return nil
		}
		_, err := s.AddSystemEvent(ctx, at, value.Cond(online, EventACOnline, EventACOffline))
		return err
	}
	return fmt.Errorf("device %q: %w", path, ErrUnknownDevice)
}

// AddSystemEvent records an event of the given kind and returns the stored
// entry.
func (s *Store) AddSystemEvent(ctx context.Context, at time.Time, kind EventKind) (SystemEventLog, error) {
	at = at.UTC().Truncate(time.Microsecond)
	s.μ.Lock()
	id := ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
	s.μ.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO SystemEventLog(id, time, event) VALUES (?, ?, ?);`,
		id, at.UnixMicro(), string(kind))
	if err != nil {
		return SystemEventLog{}, err
	}
	return SystemEventLog{ID: id, Time: at, Event: kind}, nil
}

// whereTime renders the time bounds of q as a WHERE clause and its arguments.
func (q Query) whereTime() (string, []any) {
	var conds []string
	var args []any
	if q.Start != nil {
		op := ">"
		if q.StartIncl {
			op = ">="
		}
		conds = append(conds, "time "+op+" ?")
		args = append(args, q.Start.UnixMicro())
	}
	if q.End != nil {
		op := "<"
		if q.EndIncl {
			op = "<="
		}
		conds = append(conds, "time "+op+" ?")
		args = append(args, q.End.UnixMicro())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// BatteryStateLogs returns the battery logs matching q in order of time.
func (s *Store) BatteryStateLogs(ctx context.Context, q Query) ([]BatteryStateLog, error) {
	if q.Group != nil && q.Group.Interval <= 0 {
		return nil, fmt.Errorf("invalid group interval %v", q.Group.Interval)
	}
	where, args := q.whereTime()
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_path, time, state, energy_Wh, energy_empty_Wh, energy_full_Wh,
			energy_full_design_Wh, energy_rate_W, voltage_V, seconds_till_full,
			percent_current, percent_capacity
		FROM BatteryStateLog`+where+`
		ORDER BY time, device_path;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatteryStateLog
	for rows.Next() {
		var (
			log BatteryStateLog
			us  int64
			f   [9]sql.NullFloat64
		)
		if err := rows.Scan(&log.DevicePath, &us, &log.State,
			&f[0], &f[1], &f[2], &f[3], &f[4], &f[5], &f[6], &f[7], &f[8]); err != nil {
			return nil, err
		}
		log.Time = time.UnixMicro(us).UTC()
		log.Energy, log.EnergyEmpty, log.EnergyFull = nullable(f[0]), nullable(f[1]), nullable(f[2])
		log.EnergyFullDesign, log.EnergyRate, log.Voltage = nullable(f[3]), nullable(f[4]), nullable(f[5])
		log.SecondsTillFull, log.PercentCurrent, log.PercentCapacity = nullable(f[6]), nullable(f[7]), nullable(f[8])
		out = append(out, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Group != nil {
		out = q.Group.apply(out)
	}
	return out, nil
}

// SystemEventLogs returns the system events matching q in order of time.
// The grouping of q is ignored.
func (s *Store) SystemEventLogs(ctx context.Context, q Query) ([]SystemEventLog, error) {
	where, args := q.whereTime()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, event FROM SystemEventLog`+where+` ORDER BY time, id;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemEventLog
	for rows.Next() {
		var (
			ev    SystemEventLog
			us    int64
			event string
		)
		if err := rows.Scan(&ev.ID, &us, &event); err != nil {
			return nil, err
		}
		ev.Time = time.UnixMicro(us).UTC()
		ev.Event = EventKind(event)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes all logs recorded before the given time and reports the
// number of rows deleted.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"BatteryStateLog", "SystemEventLog"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE time < ?;`, before.UnixMicro())
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// apply keeps one log per device and interval from logs, which must be
// ordered by time. The result is ordered by time.
func (g *Grouping) apply(logs []BatteryStateLog) []BatteryStateLog {
	type key struct {
		device string
		bucket int64
	}
	pick := make(map[key]int) // index into logs
	for i, log := range logs {
		k := key{log.DevicePath, g.bucket(log.Time)}
		if _, ok := pick[k]; ok && g.PreferFirst {
			continue
		}
		pick[k] = i
	}
	idx := make([]int, 0, len(pick))
	for _, i := range pick {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]BatteryStateLog, len(idx))
	for j, i := range idx {
		out[j] = logs[i]
	}
	return out
}

// bucket returns the index of the interval containing t, rounding toward
// negative infinity for times before the start.
func (g *Grouping) bucket(t time.Time) int64 {
	d := t.Sub(g.Start)
	b := int64(d / g.Interval)
	if d%g.Interval < 0 {
		b--
	}
	return b
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
