// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package pipetalk implements PipeTalk, a line-framed request/response
// protocol between two processes connected by a pair of byte streams.
//
// Each message is a single line of text. A request has the form
//
//	>id[:method[:payload]]
//
// and a response has the form
//
//	<id[:kind[:payload]]
//
// where kind is "result" or "error", and the payload, if present, is a single
// JSON document. An absent payload is represented by omitting the section
// entirely. The payload of an error response is an object with a message
// ("m") and diagnostic detail ("d"), either of which may be omitted.
//
// Identifiers are chosen by the side that issues a request, and are unique
// among that side's outstanding requests. Both sides may issue requests at
// any time, so a single stream carries requests and responses interleaved.
//
// # Talkers
//
// The core type defined by this package is the [Talker]. A talker issues
// requests to and services requests from the peer at the other end of its
// streams.
//
// To create a new talker and start its reader:
//
//	t := pipetalk.New(os.Stdin, os.Stdout).Listen()
//
// The talker reads from its input until [Talker.Unlisten] is called. If the
// peer closes the stream first, the reader stops and any outstanding
// requests fail with [ErrClosed]. Call [Talker.Wait] to wait for the reader
// to finish:
//
//	if err := t.Wait(); err != nil {
//	   log.Fatalf("Reader failed: %v", err)
//	}
//
// # Calls
//
// To define method handlers for inbound requests, use the [Talker.Handle]
// method to register a handler for a method name:
//
//	func echo(ctx context.Context, req *pipetalk.Request) (any, error) {
//	   return req.Data, nil
//	}
//
//	t.Handle("echo", echo)
//
// To issue a request to the remote peer, use the [Talker.Call] method:
//
//	rsp, err := t.Call(ctx, "echo", map[string]any{"x": 1})
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Error responses reported by t.Call have concrete type [*pipetalk.CallError].
//
// A method handler may "call back" to methods of the remote peer. To do so,
// the handler uses [ContextTalker] to obtain the local talker, and executes
// its [Talker.Call] method.
//
// # Metrics
//
// Talkers maintain a collection of metrics while running. Use the
// [Talker.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the talker. Metrics are shared globally among all talkers.
//
// The metrics currently exported by talkers include:
//
//   - lines_received: counter of message lines received
//   - lines_sent: counter of message lines sent
//   - lines_dropped: counter of lines received and discarded
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests answered with an error
//   - calls_active: gauge of inbound requests currently active
//   - calls_out: counter of outbound requests sent
//   - calls_out_failed: counter of outbound requests resulting in errors
//   - calls_pending: gauge of outbound requests currently pending
//   - calls_abandoned: counter of outbound requests failed by teardown
package pipetalk
