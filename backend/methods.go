// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package backend

import (
	"context"
	"expvar"
	"fmt"
	"strconv"
	"time"

	"github.com/battery-analytics/pipetalk"
	"github.com/battery-analytics/pipetalk/handler"
	"github.com/battery-analytics/pipetalk/history"
	"github.com/go-logr/logr"
)

// Method names served by the back-end.
const (
	MethodMain             = "_main"
	MethodUnload           = "_unload"
	MethodBatteryStateLogs = "get_battery_state_logs"
	MethodSystemEventLogs  = "get_system_event_logs"
	MethodMetrics          = "get_metrics"
)

// TimeRange is the common time selection of a log query. Times are ISO 8601
// strings; a time without a zone is taken to be UTC. An omitted start or end
// is unbounded. The start is inclusive and the end exclusive unless the
// corresponding flag says otherwise.
type TimeRange struct {
	TimeStart     *string `json:"time_start,omitempty"`
	TimeStartIncl *bool   `json:"time_start_incl,omitempty"` // default true
	TimeEnd       *string `json:"time_end,omitempty"`
	TimeEndIncl   *bool   `json:"time_end_incl,omitempty"` // default false
}

// BatteryParams are the parameters of get_battery_state_logs.
type BatteryParams struct {
	TimeRange

	// If GroupByInterval is set, keep one log per device in each interval of
	// that many seconds, counted from GroupByIntervalStart (default: the start
	// of the current UTC day).
	GroupByIntervalStart *string  `json:"group_by_interval_start,omitempty"`
	GroupByInterval      *float64 `json:"group_by_interval,omitempty"`
	PreferGroupFirst     *bool    `json:"prefer_group_first,omitempty"` // default true
}

// EventParams are the parameters of get_system_event_logs.
type EventParams struct {
	TimeRange
}

// invalidParams reports a parameter error to the caller.
func invalidParams(format string, args ...any) error {
	return &pipetalk.ErrorData{Message: "invalid parameters: " + fmt.Sprintf(format, args...)}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses an ISO 8601 time. A time without a zone offset is UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

func optTime(name string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := ParseTime(*s)
	if err != nil {
		return nil, invalidParams("%s: %v", name, err)
	}
	return &t, nil
}

func optBool(b *bool, dflt bool) bool {
	if b == nil {
		return dflt
	}
	return *b
}

func (r TimeRange) query() (history.Query, error) {
	start, err := optTime("time_start", r.TimeStart)
	if err != nil {
		return history.Query{}, err
	}
	end, err := optTime("time_end", r.TimeEnd)
	if err != nil {
		return history.Query{}, err
	}
	return history.Query{
		Start:     start,
		StartIncl: optBool(r.TimeStartIncl, true),
		End:       end,
		EndIncl:   optBool(r.TimeEndIncl, false),
	}, nil
}

// maxGroupInterval is the longest grouping interval accepted by a query.
// Longer values would overflow a time.Duration.
const maxGroupInterval = 100 * 365 * 24 * time.Hour

// BatteryStateLogs answers get_battery_state_logs.
func (p *Plugin) BatteryStateLogs(ctx context.Context, params BatteryParams) ([]history.BatteryStateLog, error) {
	q, err := params.query()
	if err != nil {
		return nil, err
	}
	if params.GroupByInterval != nil {
		secs := *params.GroupByInterval
		if secs <= 0 {
			return nil, invalidParams("group_by_interval must be positive (got %v)", secs)
		} else if secs > maxGroupInterval.Seconds() {
			return nil, invalidParams("group_by_interval must be at most %v seconds (got %v)", maxGroupInterval.Seconds(), secs)
		}
		gstart, err := optTime("group_by_interval_start", params.GroupByIntervalStart)
		if err != nil {
			return nil, err
		}
		if gstart == nil {
			logr.FromContextOrDiscard(ctx).Info("group_by_interval_start should be set with group_by_interval")
			y, m, d := p.now().UTC().Date()
			today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
			gstart = &today
		}
		q.Group = &history.Grouping{
			Start:       *gstart,
			Interval:    time.Duration(secs * float64(time.Second)),
			PreferFirst: optBool(params.PreferGroupFirst, true),
		}
	}

	st, err := p.loadedStore()
	if err != nil {
		return nil, err
	}
	logs, err := st.BatteryStateLogs(ctx, q)
	if logs == nil && err == nil {
		logs = []history.BatteryStateLog{}
	}
	return logs, err
}

// SystemEventLogs answers get_system_event_logs.
func (p *Plugin) SystemEventLogs(ctx context.Context, params EventParams) ([]history.SystemEventLog, error) {
	q, err := params.query()
	if err != nil {
		return nil, err
	}
	st, err := p.loadedStore()
	if err != nil {
		return nil, err
	}
	logs, err := st.SystemEventLogs(ctx, q)
	if logs == nil && err == nil {
		logs = []history.SystemEventLog{}
	}
	return logs, err
}

// Register installs the back-end methods on t, and exports the protocol
// counters of t with the back-end metrics.
func (p *Plugin) Register(t *pipetalk.Talker) {
	t.Handle(MethodMain, p.instrument(MethodMain, handler.ResultError(func(ctx context.Context) (any, error) {
		return nil, p.Main(ctx)
	}))).
		Handle(MethodUnload, p.instrument(MethodUnload, handler.ResultError(func(ctx context.Context) (any, error) {
			return nil, p.Unload(ctx)
		}))).
		Handle(MethodBatteryStateLogs, p.instrument(MethodBatteryStateLogs, handler.ParamResultError(p.BatteryStateLogs))).
		Handle(MethodSystemEventLogs, p.instrument(MethodSystemEventLogs, handler.ParamResultError(p.SystemEventLogs))).
		Handle(MethodMetrics, p.instrument(MethodMetrics, handler.ResultError(func(context.Context) (string, error) {
			return p.Metrics(), nil
		})))

	t.Metrics().Do(func(kv expvar.KeyValue) {
		v := kv.Value
		p.set.GetOrCreateGauge("pipetalk_"+kv.Key, func() float64 {
			f, _ := strconv.ParseFloat(v.String(), 64)
			return f
		})
	})
}

// instrument wraps h to record request counts, failures, and latency.
func (p *Plugin) instrument(method string, h pipetalk.Handler) pipetalk.Handler {
	label := fmt.Sprintf("{method=%q}", method)
	requests := p.set.GetOrCreateCounter("powerlog_requests_total" + label)
	failures := p.set.GetOrCreateCounter("powerlog_request_errors_total" + label)
	latency := p.set.GetOrCreateHistogram("powerlog_request_duration_seconds" + label)
	return func(ctx context.Context, req *pipetalk.Request) (any, error) {
		start := time.Now()
		defer latency.UpdateDuration(start)
		requests.Inc()
		logr.FromContextOrDiscard(ctx).V(1).Info("Handling request", "id", req.ID, "method", method)

		v, err := h(ctx, req)
		if err != nil {
			failures.Inc()
		}
		return v, err
	}
}
