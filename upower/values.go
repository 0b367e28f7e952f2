// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package upower

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type unitTable struct {
	base  string
	scale map[string]float64
}

var (
	energyUnits  = unitTable{"Wh", map[string]float64{"Wh": 1, "kWh": 1000}}
	powerUnits   = unitTable{"W", map[string]float64{"W": 1, "kW": 1000}}
	voltageUnits = unitTable{"V", map[string]float64{"V": 1, "kV": 1000}}
)

// read parses a value of the form "<number> [unit]" and converts it to the
// base unit of the table. A bare number is in the base unit.
func (u unitTable) read(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, fmt.Errorf("invalid %s value %q", u.base, s)
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", u.base, s, err)
	}
	if len(fields) == 1 {
		return v, nil
	}
	scale, ok := u.scale[fields[1]]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q for %s value", fields[1], u.base)
	}
	return v * scale, nil
}

// ReadEnergy parses an energy value such as "40.1 Wh" in watt-hours.
func ReadEnergy(s string) (float64, error) { return energyUnits.read(s) }

// ReadPower parses a power value such as "8.2 W" in watts.
func ReadPower(s string) (float64, error) { return powerUnits.read(s) }

// ReadVoltage parses a voltage value such as "8.1 V" in volts.
func ReadVoltage(s string) (float64, error) { return voltageUnits.read(s) }

// ReadPercent parses a percentage such as "80%" or "90.9 %".
func ReadPercent(s string) (float64, error) {
	t := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
	}
	return v, nil
}

var durationUnits = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second,
	"minute": time.Minute, "minutes": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ReadDuration parses a duration written as number-unit pairs, such as
// "1.5 hours" or "2 hours 10 minutes".
func ReadDuration(s string) (time.Duration, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields)%2 != 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total float64
	for i := 0; i < len(fields); i += 2 {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit, ok := durationUnits[fields[i+1]]
		if !ok {
			return 0, fmt.Errorf("unknown time unit %q", fields[i+1])
		}
		total += v * float64(unit)
	}
	return time.Duration(math.Round(total)), nil
}

// Battery is the decoded state of a battery device. Fields are nil when the
// device does not report them.
type Battery struct {
	State            string
	Energy           *float64 // Wh
	EnergyEmpty      *float64 // Wh
	EnergyFull       *float64 // Wh
	EnergyFullDesign *float64 // Wh
	EnergyRate       *float64 // W
	Voltage          *float64 // V
	TimeToFull       *time.Duration
	Percent          *float64
	Capacity         *float64
}

// Battery decodes the battery section of in. It reports false if in has no
// battery section. Values that cannot be decoded are reported in errs and
// left nil.
func (in Info) Battery() (_ Battery, ok bool, errs []error) {
	sec := in.Section(TypeBattery)
	if sec == nil {
		return Battery{}, false, nil
	}
	num := func(key string, read func(string) (float64, error)) *float64 {
		s := sec.Get(key)
		if s == "" {
			return nil
		}
		v, err := read(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return nil
		}
		return &v
	}
	b := Battery{
		State:            sec.Get("state"),
		Energy:           num("energy", ReadEnergy),
		EnergyEmpty:      num("energy-empty", ReadEnergy),
		EnergyFull:       num("energy-full", ReadEnergy),
		EnergyFullDesign: num("energy-full-design", ReadEnergy),
		EnergyRate:       num("energy-rate", ReadPower),
		Voltage:          num("voltage", ReadVoltage),
		Percent:          num("percentage", ReadPercent),
		Capacity:         num("capacity", ReadPercent),
	}
	if s := sec.Get("time to full"); s != "" {
		if d, err := ReadDuration(s); err != nil {
			errs = append(errs, fmt.Errorf("time to full: %w", err))
		} else {
			b.TimeToFull = &d
		}
	}
	return b, true, errs
}

// Online reports whether a line power device is supplying power. The second
// result is false if in is not a line power device or does not say.
func (in Info) Online() (online, ok bool) {
	sec := in.Section(TypeLinePower)
	if sec == nil {
		return false, false
	}
	switch sec.Get("online") {
	case "yes":
		return true, true
	case "no":
		return false, true
	}
	return false, false
}

// UpdatedLayout is the time layout of the "updated" property when the tool
// runs with TZ=UTC.
const UpdatedLayout = "Mon 02 Jan 2006 03:04:05 PM MST"

// Updated returns the time reported by the "updated" property of in, if it is
// present and valid. A trailing "(... ago)" remark is ignored.
func (in Info) Updated() (time.Time, bool) {
	s := in.Get("updated")
	if s == "" {
		return time.Time{}, false
	}
	if strings.HasSuffix(s, ")") {
		if i := strings.LastIndex(s, "("); i >= 0 {
			s = strings.TrimSpace(s[:i])
		}
	}
	t, err := time.Parse(UpdatedLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
