// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package upower reads device power state from the upower command-line tool.
//
// The tool reports each device as an indented block of "key: value"
// properties, with nested sections such as "battery" or "line-power":
//
//	  native-path:          BAT0
//	  updated:              Tue 05 Mar 2024 10:26:07 AM UTC (12 seconds ago)
//	  battery
//	    state:               discharging
//	    energy:              40.1 Wh
//	    percentage:          80%
//
// ParseInfo decodes such a block into an Info. A Monitor runs the tool in
// monitoring mode and reports each device update.
package upower

import (
	"bufio"
	"maps"
	"strings"
)

// Section names for the device types a Monitor reports.
const (
	TypeBattery   = "battery"
	TypeLinePower = "line-power"
)

// Info is a decoded property block. Each value is either a string or a nested
// Info for a named section.
type Info map[string]any

// Get returns the string value of key, or "" if key is absent or names a
// section.
func (in Info) Get(key string) string {
	s, _ := in[key].(string)
	return s
}

// Section returns the nested section with the given name, or nil.
func (in Info) Section(name string) Info {
	s, _ := in[name].(Info)
	return s
}

// Type reports the device type named by the sections of in, or "" if the
// device is neither a battery nor a line power supply.
func (in Info) Type() string {
	switch {
	case in.Section(TypeBattery) != nil:
		return TypeBattery
	case in.Section(TypeLinePower) != nil:
		return TypeLinePower
	}
	return ""
}

// Clone returns a deep copy of in.
func (in Info) Clone() Info {
	out := make(Info, len(in))
	for k, v := range in {
		if s, ok := v.(Info); ok {
			v = s.Clone()
		}
		out[k] = v
	}
	return out
}

// Merge returns a copy of in updated with the values of patch. Sections
// present in both are merged recursively; other values in patch replace the
// values in in.
func (in Info) Merge(patch Info) Info {
	out := maps.Clone(in)
	if out == nil {
		out = make(Info)
	}
	for k, pv := range patch {
		ps, pok := pv.(Info)
		cs, cok := out[k].(Info)
		if pok && cok {
			out[k] = cs.Merge(ps)
		} else if pok {
			out[k] = ps.Clone()
		} else {
			out[k] = pv
		}
	}
	return out
}

type infoLine struct {
	indent int
	text   string
}

// ParseInfo parses an indented property block. Blank lines are skipped.
// A line without a value that is followed by more deeply indented lines
// introduces a section; otherwise it is recorded with an empty value.
func ParseInfo(text string) Info {
	var lines []infoLine
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		if ln, ok := splitIndent(sc.Text()); ok {
			lines = append(lines, ln)
		}
	}
	info, _ := parseBlock(lines, -1)
	return info
}

func parseBlock(lines []infoLine, parent int) (Info, []infoLine) {
	info := make(Info)
	for len(lines) > 0 {
		ln := lines[0]
		if ln.indent <= parent {
			break
		}
		lines = lines[1:]

		key, val, hasColon := strings.Cut(ln.text, ":")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if val != "" {
			info[key] = val
			continue
		}
		var sub Info
		sub, lines = parseBlock(lines, ln.indent)
		if len(sub) != 0 {
			info[key] = sub
		} else if hasColon {
			info[key] = ""
		}
	}
	return info, lines
}

// splitIndent reports the indentation width of s, counting a tab as four
// spaces, and the remaining text. It reports false for a blank line.
func splitIndent(s string) (infoLine, bool) {
	n := 0
	for i, c := range s {
		switch c {
		case ' ':
			n++
		case '\t':
			n += 4
		case '\r', '\n':
			return infoLine{}, false
		default:
			return infoLine{indent: n, text: strings.TrimRight(s[i:], "\r\n")}, true
		}
	}
	return infoLine{}, false
}

// ParseDeviceList parses the output of "upower --enumerate", one object path
// per line.
func ParseDeviceList(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			out = append(out, p)
		}
	}
	return out
}
