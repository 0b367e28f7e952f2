// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
)

var (
	// ErrClosed is reported to callers whose requests were still pending when
	// the channel stopped listening or the peer closed its stream.
	ErrClosed = errors.New("pipetalk: channel closed")

	// ErrNotListening is reported by SendRequest when the talker is not
	// listening.
	ErrNotListening = errors.New("pipetalk: talker is not listening")

	// ErrTooManyRequests is reported by SendRequest when every request
	// identifier is in use.
	ErrTooManyRequests = errors.New("pipetalk: too many pending requests")

	// ErrNoHandler is the error reported for a request naming a method that
	// has no handler.
	ErrNoHandler = &ErrorData{Message: "No handler available"}
)

// A Handler processes a request from the remote peer. A handler can obtain the
// talker from its context argument using the ContextTalker helper.
//
// The result is encoded as JSON; a nil result is sent as an absent payload.
// A json.RawMessage result is sent verbatim. By default, an error reported by
// a handler is returned to the caller with the text of the error as its
// message. A handler may return a value of type ErrorData or *ErrorData to
// control the message and debug text.
type Handler func(context.Context, *Request) (any, error)

// A MessageLogger logs a message line exchanged with the remote peer.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message line and a flag indicating whether the line
// was sent or received.
type MessageInfo struct {
	Line []byte // the message text, without a line terminator
	Sent bool   // whether the line was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	if m.Sent {
		return "send " + string(m.Line)
	}
	return "recv " + string(m.Line)
}

type state int

const (
	stateIdle state = iota
	stateListening
	stateUnlistening
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateListening:
		return "listening"
	case stateUnlistening:
		return "unlistening"
	default:
		return fmt.Sprintf("state:%d", int(s))
	}
}

// A Talker implements one end of a PipeTalk channel over a pair of byte
// streams. Use New to construct a talker.
//
// Call Listen to start the reader for the talker. Once listening, a talker
// runs until Unlisten is called. If the remote peer closes its stream, the
// reader stops and pending calls fail, but the talker remains listening until
// Unlisten is called. Use Wait to wait for the reader to finish.
//
// Call Handle to add handlers to the local talker.  Use Call or SendRequest
// to invoke a method on the remote peer. All methods of a Talker are safe for
// concurrent use by multiple goroutines.
type Talker struct {
	in struct {
		// Held by the active reader while it consumes the stream.
		sync.Mutex
		r   *bufio.Reader
		src io.Reader

		partial []byte // unterminated input left by an interrupted read
	}
	out struct {
		// Must hold the lock to write to w.
		sync.Mutex
		w io.Writer
	}

	μ sync.Mutex

	state state
	s     *session               // active session, or nil when idle
	mux   map[string]Handler     // method name → handler
	mlog  MessageLogger          // what it says on the tin
	base  func() context.Context // return a new base context
	log   logr.Logger
	limit int // size of the request ID space
}

// New constructs an idle talker that reads messages from r and writes
// messages to w.
//
// To interrupt a blocked read when the talker stops listening, the talker
// sets a read deadline on r if it supports one, or else closes r if it
// implements io.Closer. If neither ends the read promptly, the talker stops
// listening anyway and leaves the read to finish in the background; a later
// Listen waits for it. Bytes of an unterminated line that were read before a
// deadline interrupt are kept for the next Listen.
func New(r io.Reader, w io.Writer) *Talker {
	t := &Talker{
		base:  context.Background,
		log:   logr.Discard(),
		limit: maxRequestIDs,
	}
	t.in.r = bufio.NewReader(r)
	t.in.src = r
	t.out.w = w
	return t
}

// Listen starts the reader for t and returns t to permit chaining.  If t is
// already listening or stopping, Listen logs and does nothing.
func (t *Talker) Listen() *Talker {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.state != stateIdle {
		t.log.Info("Listen ignored", "state", t.state)
		return t
	}

	s := newSession(t, t.log)
	t.s = s
	t.state = stateListening
	s.start()
	return t
}

// Unlisten stops the reader for t, fails any requests still awaiting a
// response with ErrClosed, and waits for active handlers to finish. If ctx
// ends before the handlers are finished, their contexts are canceled and
// Unlisten reports the error from ctx after they exit.
//
// Unlisten is idempotent: if t is idle it returns nil immediately, and if
// another goroutine is already stopping t it waits for that to finish.
// After Unlisten returns it is safe to call Listen again.
func (t *Talker) Unlisten(ctx context.Context) error {
	t.μ.Lock()
	s, st := t.s, t.state
	if st == stateListening {
		t.state = stateUnlistening
	}
	t.μ.Unlock()

	switch st {
	case stateIdle:
		return nil
	case stateUnlistening:
		s.log.V(1).Info("Unlisten already in progress")
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := s.stop(ctx)

	t.μ.Lock()
	t.state = stateIdle
	t.s = nil
	t.μ.Unlock()
	close(s.stopped)
	return err
}

// Wait blocks until the reader for t has finished, either because the remote
// peer closed its stream or because Unlisten was called. If t is not
// listening, Wait returns nil immediately. Otherwise it reports the error
// that stopped the reader, or nil for a clean close.
func (t *Talker) Wait() error {
	t.μ.Lock()
	s := t.s
	t.μ.Unlock()
	if s == nil {
		return nil
	}
	<-s.finished
	return s.err
}

// Metrics returns a metrics map for the talker. It is safe for the caller to
// add additional metrics to the map while the talker is active.
func (t *Talker) Metrics() *expvar.Map { return rootMetrics.emap }

// Handle registers a handler for the specified method name. It is safe to
// call this while the talker is listening. Passing a nil Handler removes any
// handler for the specified name. Handle returns t to permit chaining.
//
// As a special case, if name == "" the handler is called for any request
// with a method name that does not have a more specific handler registered.
//
// Handle panics if name contains a colon or a line break, since no request
// can carry such a name.
func (t *Talker) Handle(name string, handler Handler) *Talker {
	if strings.ContainsAny(name, ":\r\n") {
		panic(fmt.Sprintf("invalid method name %q", name))
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.mux == nil {
		t.mux = make(map[string]Handler)
	}
	if handler == nil {
		delete(t.mux, name)
	} else {
		t.mux[name] = handler
	}
	return t
}

// LogMessages registers a callback that will be invoked for each message line
// exchanged with the remote peer, including lines to be discarded.  Passing a
// nil callback disables message logging.
func (t *Talker) LogMessages(log MessageLogger) *Talker {
	t.μ.Lock()
	defer t.μ.Unlock()
	t.mlog = log
	return t
}

// SetLogger sets the diagnostic logger for t. It takes effect the next time
// t starts listening.
func (t *Talker) SetLogger(log logr.Logger) *Talker {
	t.μ.Lock()
	defer t.μ.Unlock()
	t.log = log
	return t
}

// NewContext registers a function that will be called to create a new base
// context for method handlers. This allows request-specific host resources to
// be plumbed into a handler. If it is not set a background context is used.
func (t *Talker) NewContext(base func() context.Context) *Talker {
	t.μ.Lock()
	defer t.μ.Unlock()
	if base == nil {
		t.base = context.Background
	} else {
		t.base = base
	}
	return t
}

// SendRequest sends a request to the remote peer for the specified method and
// parameters, and blocks until ctx ends or the response is received. The
// params are encoded as JSON; a nil params sends an absent payload, and a
// json.RawMessage is sent verbatim.
//
// If ctx ends first, SendRequest returns its error. The request identifier
// stays reserved until the late response arrives or the talker stops. If the
// talker stops listening, or the peer closes its stream, before the response
// arrives, SendRequest reports ErrClosed.
func (t *Talker) SendRequest(ctx context.Context, method string, params any) (_ *Response, err error) {
	rootMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			rootMetrics.callOutErr.Add(1)
		}
	}()

	if method == "" || strings.ContainsAny(method, ":\r\n") {
		return nil, fmt.Errorf("invalid method name %q", method)
	}
	data, err := encodePayload(params)
	if err != nil {
		return nil, fmt.Errorf("encoding parameters: %w", err)
	}
	s, err := t.session()
	if err != nil {
		return nil, err
	}

	// Phase 1: Reserve an identifier. This must happen before the request is
	// written, so the response cannot arrive ahead of its table entry.
	var id string
	var c *call
	if !s.loop.call(func() { id, c, err = s.calls.allocate() }) {
		return nil, ErrClosed
	} else if err != nil {
		return nil, err
	}
	rootMetrics.callPending.Add(1)
	defer rootMetrics.callPending.Add(-1)

	// Phase 2: Send the request.
	if err := t.send(Request{ID: id, Method: method, Data: data}.Encode()); err != nil {
		s.loop.post(func() { s.calls.retire(id) })
		return nil, fmt.Errorf("sending request: %w", err)
	}

	// Phase 3: Wait for the response, then release the identifier.
	select {
	case <-c.done:
		s.loop.post(func() { s.calls.retire(id) })
		if c.err != nil {
			return nil, c.err
		}
		return c.rsp, nil
	case <-ctx.Done():
		s.loop.post(func() { s.calls.pin(id) })
		return nil, ctx.Err()
	}
}

// Call sends a request to the remote peer and reports its result. It differs
// from SendRequest in that an error response, or a result that is not valid
// JSON, is reported as an error of concrete type *CallError.
func (t *Talker) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rsp, err := t.SendRequest(ctx, method, params)
	if err != nil {
		return nil, err
	}
	switch rsp.Kind {
	case KindResult:
		if err := checkJSON(rsp.Data); err != nil {
			return nil, &CallError{Err: fmt.Errorf("invalid result: %w", err), Response: rsp}
		}
		return rsp.Data, nil
	case KindError:
		ce := &CallError{Response: rsp}

		// Try to decode the error data, but if that fails use the string from
		// the failure message so the caller has a way to debug.
		if err := ce.ErrorData.Decode(rsp.Data); err != nil {
			ce.Message = err.Error()
			ce.Debug = string(rsp.Data)
		}
		return nil, ce
	default:
		return nil, &CallError{Err: fmt.Errorf("unknown response kind %q", rsp.Kind), Response: rsp}
	}
}

// Exec executes the (local) handler on t for the specified method, if one
// exists, without sending anything to the remote peer. If no handler is
// defined for the method, Exec reports ErrNoHandler.
func (t *Talker) Exec(ctx context.Context, method string, params any) (json.RawMessage, error) {
	data, err := encodePayload(params)
	if err != nil {
		return nil, fmt.Errorf("encoding parameters: %w", err)
	}
	hctx := context.WithValue(ctx, talkerContextKey{}, t)
	return t.invoke(hctx, &Request{Method: method, Data: data})
}

func (t *Talker) session() (*session, error) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.state != stateListening {
		return nil, ErrNotListening
	}
	return t.s, nil
}

func (t *Talker) handler(name string) Handler {
	t.μ.Lock()
	defer t.μ.Unlock()
	if h, ok := t.mux[name]; ok {
		return h
	}
	return t.mux[""] // wildcard, or nil
}

func (t *Talker) messageLogger() MessageLogger {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.mlog
}

func (t *Talker) baseContext() context.Context {
	t.μ.Lock()
	base := t.base
	t.μ.Unlock()
	return context.WithValue(base(), talkerContextKey{}, t)
}

// send writes one message line to the remote peer.
func (t *Talker) send(line []byte) error {
	if bytes.ContainsAny(line, "\r\n") {
		return errors.New("message contains a line break")
	}
	mlog := t.messageLogger()

	t.out.Lock()
	defer t.out.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Line: line, Sent: true})
	}
	buf := append(line[:len(line):len(line)], '\n')
	if _, err := t.out.w.Write(buf); err != nil {
		return err
	}
	if f, ok := t.out.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	rootMetrics.lineSent.Add(1)
	return nil
}

// encodePayload encodes v as a message payload.
func encodePayload(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if t == nil {
			return nil, nil
		} else if err := checkJSON(t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return json.Marshal(v)
}

// checkJSON reports an error if data is present and is not valid JSON.
func checkJSON(data []byte) error {
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, new(json.RawMessage))
}

// CallError is the concrete type of errors reported by the Call method of a
// Talker for a response that does not carry a result. For error responses,
// the Err field is nil and the ErrorData contains the peer's message and
// debug text.
type CallError struct {
	ErrorData
	Err      error     // nil for errors reported by the peer
	Response *Response // the response that caused the error
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return c.ErrorData.Error()
}

type talkerContextKey struct{}

// ContextTalker returns the Talker associated with the given context, or nil
// if none is defined.  The context passed to a method Handler has this value.
func ContextTalker(ctx context.Context) *Talker {
	if v := ctx.Value(talkerContextKey{}); v != nil {
		return v.(*Talker)
	}
	return nil
}

// newSession constructs the state for one listening period of t. The caller
// must hold t.μ.
func newSession(t *Talker, log logr.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		t:        t,
		log:      log,
		loop:     newLoop(),
		calls:    newCallTable(t.limit),
		tasks:    taskgroup.New(nil),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		finished: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}
