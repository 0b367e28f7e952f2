// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk

import "expvar"

// talkerMetrics record talker activity counters.
type talkerMetrics struct {
	lineRecv    expvar.Int
	lineSent    expvar.Int
	lineDropped expvar.Int // malformed, unknown, or uncorrelated lines
	callIn      expvar.Int // number of inbound requests received
	callInErr   expvar.Int // number of inbound requests answered with an error
	callOut     expvar.Int // number of outbound requests initiated
	callOutErr  expvar.Int // number of outbound requests reporting an error
	callActive  expvar.Int // inbound
	callPending expvar.Int // outbound
	abandoned   expvar.Int // outbound requests failed at teardown

	emap *expvar.Map
}

var rootMetrics = newTalkerMetrics()

func newTalkerMetrics() *talkerMetrics {
	tm := &talkerMetrics{emap: new(expvar.Map)}
	tm.emap.Set("lines_received", &tm.lineRecv)
	tm.emap.Set("lines_sent", &tm.lineSent)
	tm.emap.Set("lines_dropped", &tm.lineDropped)
	tm.emap.Set("calls_in", &tm.callIn)
	tm.emap.Set("calls_in_failed", &tm.callInErr)
	tm.emap.Set("calls_active", &tm.callActive)
	tm.emap.Set("calls_out", &tm.callOut)
	tm.emap.Set("calls_out_failed", &tm.callOutErr)
	tm.emap.Set("calls_pending", &tm.callPending)
	tm.emap.Set("calls_abandoned", &tm.abandoned)
	return tm
}
