// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/battery-analytics/pipetalk"
	"github.com/battery-analytics/pipetalk/channel"
	"github.com/battery-analytics/pipetalk/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
)

// A wire is a listening talker whose peer is driven by hand.
type wire struct {
	tk   *pipetalk.Talker
	in   *bufio.Reader // lines written by the talker
	out  io.Writer     // lines read by the talker
	a, b channel.Conn
}

func newWire(t *testing.T) *wire {
	t.Helper()
	a, b := channel.Pipe()
	tk := pipetalk.New(a.R, a.W).SetLogger(testr.New(t)).Listen()
	return &wire{tk: tk, in: bufio.NewReader(b.R), out: b.W, a: a, b: b}
}

func (w *wire) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(w.out, line+"\n"); err != nil {
		t.Fatalf("Send %q: %v", line, err)
	}
}

func (w *wire) recv(t *testing.T) string {
	t.Helper()
	line, err := w.in.ReadString('\n')
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

// stop disconnects the peer and stops the talker.
func (w *wire) stop(t *testing.T) {
	t.Helper()
	w.b.Close()
	if err := w.tk.Unlisten(context.Background()); err != nil {
		t.Errorf("Unlisten: unexpected error: %v", err)
	}
	w.a.Close()
}

func pong(context.Context, *pipetalk.Request) (any, error) { return "pong", nil }

func checkZero(t *testing.T, m *expvar.Map, names ...string) {
	t.Helper()
	for _, name := range names {
		if v := m.Get(name).(*expvar.Int).Value(); v != 0 {
			t.Errorf("Metric %q = %d, want 0", name, v)
		}
	}
}

func TestPing(t *testing.T) {
	defer leaktest.Check(t)()
	w := newWire(t)
	defer w.stop(t)
	w.tk.Handle("ping", pong)

	// Inbound request, answered by the local handler.
	w.send(t, ">5:ping")
	if got, want := w.recv(t), `<5:result:"pong"`; got != want {
		t.Errorf("Response: got %q, want %q", got, want)
	}

	// Outbound request, answered by hand.
	var got json.RawMessage
	var err error
	g := taskgroup.New(nil)
	g.Go(func() error {
		got, err = w.tk.Call(context.Background(), "ping", nil)
		return nil
	})
	if req, want := w.recv(t), ">0:ping"; req != want {
		t.Errorf("Request: got %q, want %q", req, want)
	}
	w.send(t, `<0:result:"pong"`)
	g.Wait()
	if err != nil {
		t.Errorf("Call: unexpected error: %v", err)
	} else if string(got) != `"pong"` {
		t.Errorf(`Call: got %s, want "pong"`, got)
	}
}

func TestNoHandler(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Wire", func(t *testing.T) {
		w := newWire(t)
		defer w.stop(t)

		w.send(t, ">3:missing")
		if got, want := w.recv(t), `<3:error:{"m":"No handler available"}`; got != want {
			t.Errorf("Response: got %q, want %q", got, want)
		}
	})

	t.Run("Call", func(t *testing.T) {
		loc := peers.NewLocal()
		defer loc.Stop(context.Background())

		rsp, err := loc.B.Call(context.Background(), "missing", map[string]int{"x": 1})
		var ce *pipetalk.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call: got %v, %v; want *CallError", rsp, err)
		}
		if ce.Err != nil {
			t.Errorf("CallError.Err: got %v, want nil", ce.Err)
		}
		if ce.Message != pipetalk.ErrNoHandler.Message {
			t.Errorf("CallError message: got %q, want %q", ce.Message, pipetalk.ErrNoHandler.Message)
		}
		if ce.Response == nil || ce.Response.Kind != pipetalk.KindError {
			t.Errorf("CallError response: got %v, want error kind", ce.Response)
		}
	})
}

func TestUnlistenInFlight(t *testing.T) {
	defer leaktest.Check(t)()
	w := newWire(t)
	defer w.stop(t)

	var err error
	g := taskgroup.New(nil)
	g.Go(func() error {
		_, err = w.tk.Call(context.Background(), "slow", nil)
		return nil
	})
	if req := w.recv(t); req != ">0:slow" {
		t.Fatalf("Request: got %q, want >0:slow", req)
	}

	// The peer never answers. Unlisten must still complete promptly, and the
	// caller must be released.
	done := make(chan error, 1)
	go func() { done <- w.tk.Unlisten(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Unlisten: unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Unlisten did not complete")
	}
	g.Wait()
	if !errors.Is(err, pipetalk.ErrClosed) {
		t.Errorf("Call: got error %v, want %v", err, pipetalk.ErrClosed)
	}

	if _, err := w.tk.Call(context.Background(), "slow", nil); !errors.Is(err, pipetalk.ErrNotListening) {
		t.Errorf("Call after Unlisten: got %v, want %v", err, pipetalk.ErrNotListening)
	}
	if err := w.tk.Unlisten(context.Background()); err != nil {
		t.Errorf("Unlisten again: unexpected error: %v", err)
	}
}

func TestMalformedPayload(t *testing.T) {
	defer leaktest.Check(t)()
	w := newWire(t)
	defer w.stop(t)
	w.tk.Handle("echo", func(_ context.Context, req *pipetalk.Request) (any, error) {
		return req.Data, nil
	})

	t.Run("Request", func(t *testing.T) {
		w.send(t, `>1:echo:{bad`)
		got := w.recv(t)
		data, ok := strings.CutPrefix(got, "<1:error:")
		if !ok {
			t.Fatalf("Response: got %q, want error", got)
		}
		var ed pipetalk.ErrorData
		if err := ed.Decode([]byte(data)); err != nil {
			t.Fatalf("Decode error data: %v", err)
		}
		if ed.Message != "invalid request payload" || ed.Debug == "" {
			t.Errorf("Error data: got %+v, want invalid payload with detail", ed)
		}

		// The channel still works.
		w.send(t, `>2:echo:[1,2]`)
		if got, want := w.recv(t), `<2:result:[1,2]`; got != want {
			t.Errorf("Response: got %q, want %q", got, want)
		}
	})

	t.Run("Response", func(t *testing.T) {
		call := func(reply string) (json.RawMessage, error) {
			var got json.RawMessage
			var err error
			g := taskgroup.New(nil)
			g.Go(func() error {
				got, err = w.tk.Call(context.Background(), "x", nil)
				return nil
			})
			id, ok := strings.CutPrefix(w.recv(t), ">")
			if !ok {
				t.Fatal("Did not receive a request")
			}
			id, _, _ = strings.Cut(id, ":")
			w.send(t, "<"+id+reply)
			g.Wait()
			return got, err
		}

		var ce *pipetalk.CallError
		if got, err := call(":result:{bad"); !errors.As(err, &ce) || ce.Err == nil {
			t.Errorf("Call: got %s, %v; want decode error", got, err)
		}
		if got, err := call(":result:3"); err != nil || string(got) != "3" {
			t.Errorf("Call: got %s, %v; want 3", got, err)
		}
		if got, err := call(":bogus:3"); !errors.As(err, &ce) || ce.Err == nil {
			t.Errorf("Call: got %s, %v; want unknown kind error", got, err)
		}
		if got, err := call(":error:[1]"); !errors.As(err, &ce) || ce.Debug != "[1]" {
			t.Errorf("Call: got %s, %v; want undecodable error data", got, err)
		}
	})
}

func TestDroppedLines(t *testing.T) {
	defer leaktest.Check(t)()
	w := newWire(t)
	defer w.stop(t)
	w.tk.Handle("ping", pong)

	dropped := func() int64 {
		return w.tk.Metrics().Get("lines_dropped").(*expvar.Int).Value()
	}
	before := dropped()

	var got json.RawMessage
	var err error
	g := taskgroup.New(nil)
	g.Go(func() error {
		got, err = w.tk.Call(context.Background(), "wait", nil)
		return nil
	})
	if req := w.recv(t); req != ">0:wait" {
		t.Fatalf("Request: got %q, want >0:wait", req)
	}

	w.send(t, `<999:result:1`) // unknown ID
	w.send(t, `<:result`)      // missing ID
	w.send(t, `?junk`)         // unknown type tag
	w.send(t, ``)              // blank, ignored
	w.send(t, `>:ping`)        // missing ID
	w.send(t, `>4`)            // missing method name
	if got, want := w.recv(t), `<4:error:{"m":"missing method name"}`; got != want {
		t.Errorf("Response: got %q, want %q", got, want)
	}

	w.send(t, `<0:result:"ok"`)
	g.Wait()
	if err != nil || string(got) != `"ok"` {
		t.Errorf(`Call: got %s, %v; want "ok"`, got, err)
	}
	if n := dropped() - before; n < 4 {
		t.Errorf("Dropped lines: got %d, want at least 4", n)
	}

	// A duplicate response for a consumed call is dropped too.
	w.send(t, `<0:result:"again"`)
	w.send(t, `>9:ping`)
	if got, want := w.recv(t), `<9:result:"pong"`; got != want {
		t.Errorf("Response: got %q, want %q", got, want)
	}
}

func TestConcurrentCalls(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(context.Background()); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		checkZero(t, loc.A.Metrics(), "calls_active", "calls_pending")
	}()

	loc.A.Handle("echo", func(_ context.Context, req *pipetalk.Request) (any, error) {
		return req.Data, nil
	})
	var μ sync.Mutex
	ids := make(map[string]int)
	loc.B.LogMessages(func(m pipetalk.MessageInfo) {
		if !m.Sent || m.Line[0] != '>' {
			return
		}
		var req pipetalk.Request
		if err := req.UnmarshalText(m.Line); err != nil {
			t.Errorf("Invalid request line %q: %v", m.Line, err)
			return
		}
		μ.Lock()
		defer μ.Unlock()
		ids[req.ID]++
	})

	const numCalls = 64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := taskgroup.New(taskgroup.Trigger(cancel))
	for i := range numCalls {
		g.Go(func() error {
			want := fmt.Sprintf(`{"n":%d}`, i)
			got, err := loc.B.Call(ctx, "echo", json.RawMessage(want))
			if err != nil {
				return err
			} else if string(got) != want {
				return fmt.Errorf("call %d: got %s, want %s", i, got, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Calls failed: %v", err)
	}

	μ.Lock()
	defer μ.Unlock()
	if len(ids) != numCalls {
		t.Errorf("Distinct IDs: got %d, want %d", len(ids), numCalls)
	}
	for id := range ids {
		if n, err := strconv.Atoi(id); err != nil || n < 0 || n >= 9_999_999 {
			t.Errorf("ID %q out of range", id)
		}
	}
}

type codedError struct{ code int }

func (c codedError) Error() string        { return fmt.Sprintf("failure code %d", c.code) }
func (c codedError) ErrorMessage() string { return "something went wrong" }

func TestHandlerErrors(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop(context.Background())

	loc.A.Handle("boom", func(context.Context, *pipetalk.Request) (any, error) {
		panic("kaboom")
	})
	loc.A.Handle("plain", func(context.Context, *pipetalk.Request) (any, error) {
		return nil, errors.New("plain failure")
	})
	loc.A.Handle("coded", func(context.Context, *pipetalk.Request) (any, error) {
		return nil, fmt.Errorf("wrapped: %w", codedError{17})
	})
	loc.A.Handle("edata", func(context.Context, *pipetalk.Request) (any, error) {
		return nil, pipetalk.ErrorData{Message: "custom", Debug: "details"}
	})
	loc.A.Handle("unencodable", func(context.Context, *pipetalk.Request) (any, error) {
		return func() {}, nil
	})

	tests := []struct {
		method    string
		message   string
		debugPart string
	}{
		{"boom", "handler panicked: kaboom", "goroutine"},
		{"plain", "plain failure", "plain failure"},
		{"coded", "wrapped: failure code 17", "wrapped: failure code 17"},
		{"edata", "custom", "details"},
		{"unencodable", "cannot encode result", "unsupported type"},
	}
	for _, tc := range tests {
		t.Run(tc.method, func(t *testing.T) {
			_, err := loc.B.Call(context.Background(), tc.method, nil)
			var ce *pipetalk.CallError
			if !errors.As(err, &ce) {
				t.Fatalf("Call: got %v, want *CallError", err)
			}
			if ce.Message != tc.message {
				t.Errorf("Message: got %q, want %q", ce.Message, tc.message)
			}
			if !strings.Contains(ce.Debug, tc.debugPart) {
				t.Errorf("Debug: got %q, want it to contain %q", ce.Debug, tc.debugPart)
			}
		})
	}

	t.Run("ErrorMessage", func(t *testing.T) {
		loc.A.Handle("coded", func(context.Context, *pipetalk.Request) (any, error) {
			return nil, codedError{3}
		})
		_, err := loc.B.Call(context.Background(), "coded", nil)
		var ce *pipetalk.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call: got %v, want *CallError", err)
		}
		if ce.Message != "something went wrong" || !strings.Contains(ce.Debug, "failure code 3") {
			t.Errorf("Error data: got %+v, want message and code", ce.ErrorData)
		}
	})
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop(context.Background())

	loc.B.Handle("inner", func(context.Context, *pipetalk.Request) (any, error) { return "in", nil })
	loc.B.Handle("fail", func(context.Context, *pipetalk.Request) (any, error) {
		return nil, &pipetalk.ErrorData{Message: "deep", Debug: "trace"}
	})
	loc.A.Handle("", func(ctx context.Context, req *pipetalk.Request) (any, error) {
		tk := pipetalk.ContextTalker(ctx)
		if tk != loc.A {
			t.Errorf("ContextTalker: got %p, want %p", tk, loc.A)
		}
		target := "inner"
		if req.Method == "relay" {
			target = "fail"
		}
		rsp, err := tk.Call(ctx, target, nil)
		if err != nil {
			return nil, err
		}
		var s string
		if err := json.Unmarshal(rsp, &s); err != nil {
			return nil, err
		}
		return "out+" + s, nil
	})

	got, err := loc.B.Call(context.Background(), "outer", nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	} else if string(got) != `"out+in"` {
		t.Errorf("Call: got %s, want out+in", got)
	}

	// An error reported by the callback is passed through.
	_, err = loc.B.Call(context.Background(), "relay", nil)
	var ce *pipetalk.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Call: got %v, want *CallError", err)
	}
	if diff := cmp.Diff(pipetalk.ErrorData{Message: "deep", Debug: "trace"}, ce.ErrorData); diff != "" {
		t.Errorf("Error data (-want, +got):\n%s", diff)
	}
}

func TestPeerClose(t *testing.T) {
	defer leaktest.Check(t)()
	w := newWire(t)
	defer w.stop(t)

	var err error
	g := taskgroup.New(nil)
	g.Go(func() error {
		_, err = w.tk.SendRequest(context.Background(), "hang", nil)
		return nil
	})
	w.recv(t)
	w.b.W.Close() // the peer closes its end of the stream

	if err := w.tk.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
	g.Wait()
	if !errors.Is(err, pipetalk.ErrClosed) {
		t.Errorf("SendRequest: got %v, want %v", err, pipetalk.ErrClosed)
	}
	if _, err := w.tk.SendRequest(context.Background(), "late", nil); !errors.Is(err, pipetalk.ErrClosed) {
		t.Errorf("SendRequest after close: got %v, want %v", err, pipetalk.ErrClosed)
	}
}

func TestCancelCall(t *testing.T) {
	defer leaktest.Check(t)()
	w := newWire(t)
	defer w.stop(t)
	w.tk.Handle("ping", pong)

	ctx, cancel := context.WithCancel(context.Background())
	var err error
	g := taskgroup.New(nil)
	g.Go(func() error {
		_, err = w.tk.Call(ctx, "slow", nil)
		return nil
	})
	if req := w.recv(t); req != ">0:slow" {
		t.Fatalf("Request: got %q, want >0:slow", req)
	}
	cancel()
	g.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got %v, want %v", err, context.Canceled)
	}

	// The abandoned identifier is not reused before its late response.
	g = taskgroup.New(nil)
	g.Go(func() error {
		_, err = w.tk.Call(context.Background(), "next", nil)
		return nil
	})
	if req := w.recv(t); req != ">1:next" {
		t.Errorf("Request: got %q, want >1:next", req)
	}
	w.send(t, `<0:result:"late"`)
	w.send(t, `<1:result`)
	g.Wait()
	if err != nil {
		t.Errorf("Call: unexpected error: %v", err)
	}
}

func TestSendRequestErrors(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := channel.Pipe()
	defer a.Close()
	defer b.Close()
	tk := pipetalk.New(a.R, a.W)
	ctx := context.Background()

	if _, err := tk.SendRequest(ctx, "ping", nil); !errors.Is(err, pipetalk.ErrNotListening) {
		t.Errorf("SendRequest idle: got %v, want %v", err, pipetalk.ErrNotListening)
	}
	for _, method := range []string{"", "a:b", "a\nb"} {
		if _, err := tk.SendRequest(ctx, method, nil); err == nil {
			t.Errorf("SendRequest(%q): got nil, want error", method)
		}
	}
	if _, err := tk.SendRequest(ctx, "ping", func() {}); err == nil {
		t.Error("SendRequest unencodable params: got nil, want error")
	}
	if _, err := tk.SendRequest(ctx, "ping", json.RawMessage(`{bad`)); err == nil {
		t.Error("SendRequest invalid raw params: got nil, want error")
	}

	for _, name := range []string{"a:b", "a\nb", "\r"} {
		got := mtest.MustPanic(t, func() { tk.Handle(name, nil) }).(string)
		if !strings.Contains(got, "invalid method name") {
			t.Errorf("Handle(%q): got panic %q", name, got)
		}
	}
}

func TestRelisten(t *testing.T) {
	defer leaktest.Check(t)()

	// OS pipes support read deadlines, so the input survives Unlisten.
	tr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	pr, tw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer func() { tr.Close(); pw.Close(); pr.Close(); tw.Close() }()
	in := bufio.NewReader(pr)

	tk := pipetalk.New(tr, tw).SetLogger(testr.New(t)).Handle("ping", pong)
	ctx := context.Background()
	for i := range 3 {
		tk.Listen()
		tk.Listen() // no-op

		id := strconv.Itoa(i + 1)
		if _, err := io.WriteString(pw, ">"+id+":ping\n"); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := in.ReadString('\n')
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if want := "<" + id + ":result:\"pong\"\n"; got != want {
			t.Errorf("Response: got %q, want %q", got, want)
		}

		if err := tk.Unlisten(ctx); err != nil {
			t.Errorf("Unlisten: unexpected error: %v", err)
		}
		if err := tk.Unlisten(ctx); err != nil {
			t.Errorf("Unlisten again: unexpected error: %v", err)
		}
		if err := tk.Wait(); err != nil {
			t.Errorf("Wait when idle: unexpected error: %v", err)
		}
	}
}

func TestRelistenPartialLine(t *testing.T) {
	defer leaktest.Check(t)()

	tr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	pr, tw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer func() { tr.Close(); pw.Close(); pr.Close(); tw.Close() }()

	tk := pipetalk.New(tr, tw).SetLogger(testr.New(t)).Handle("ping", pong).Listen()
	ctx := context.Background()

	// Stop listening while the reader holds the start of a line.
	if _, err := io.WriteString(pw, ">1:pi"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := tk.Unlisten(ctx); err != nil {
		t.Errorf("Unlisten: unexpected error: %v", err)
	}

	tk.Listen()
	if _, err := io.WriteString(pw, "ng\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := bufio.NewReader(pr).ReadString('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := "<1:result:\"pong\"\n"; got != want {
		t.Errorf("Response: got %q, want %q", got, want)
	}
	if err := tk.Unlisten(ctx); err != nil {
		t.Errorf("Unlisten: unexpected error: %v", err)
	}
}

// blockingPipe returns the ends of a pipe whose descriptors are in blocking
// mode, as a child process receives them from os/exec.
func blockingPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), "|0"), os.NewFile(uintptr(fds[1]), "|1")
}

func TestUnlistenBlockingInput(t *testing.T) {
	defer leaktest.Check(t)()

	unlisten := func(t *testing.T, tk *pipetalk.Talker) {
		t.Helper()
		done := make(chan error, 1)
		go func() { done <- tk.Unlisten(context.Background()) }()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Unlisten: unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Unlisten did not return")
		}
	}

	t.Run("Blocking", func(t *testing.T) {
		r, w := blockingPipe(t)
		defer w.Close() // ends the abandoned read

		tk := pipetalk.New(r, io.Discard).SetLogger(testr.New(t)).Listen()
		time.Sleep(10 * time.Millisecond)
		unlisten(t, tk)
	})

	t.Run("Converted", func(t *testing.T) {
		r, w := blockingPipe(t)
		defer w.Close()
		in := channel.File(r)
		r.Close()
		defer in.Close()
		pr, tw, err := os.Pipe()
		if err != nil {
			t.Fatalf("Pipe: %v", err)
		}
		defer func() { pr.Close(); tw.Close() }()

		tk := pipetalk.New(in, tw).SetLogger(testr.New(t)).Handle("ping", pong).Listen()
		time.Sleep(10 * time.Millisecond)
		unlisten(t, tk)

		// The stream survives, so the talker can listen again.
		tk.Listen()
		if _, err := io.WriteString(w, ">1:ping\n"); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := bufio.NewReader(pr).ReadString('\n')
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if want := "<1:result:\"pong\"\n"; got != want {
			t.Errorf("Response: got %q, want %q", got, want)
		}
		unlisten(t, tk)
	})
}

func TestUnlistenCancelsHandlers(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop(context.Background())

	started := make(chan struct{})
	loc.A.Handle("block", func(ctx context.Context, _ *pipetalk.Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var err error
	g := taskgroup.New(nil)
	g.Go(func() error {
		_, err = loc.B.Call(context.Background(), "block", nil)
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if uerr := loc.A.Unlisten(ctx); !errors.Is(uerr, context.DeadlineExceeded) {
		t.Errorf("Unlisten: got %v, want %v", uerr, context.DeadlineExceeded)
	}
	g.Wait()

	// The canceled handler still answered its caller.
	var ce *pipetalk.CallError
	if !errors.As(err, &ce) || ce.Message != context.Canceled.Error() {
		t.Errorf("Call: got %v, want handler cancellation", err)
	}
}

func TestContextAndExec(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop(context.Background())

	type key struct{}
	loc.A.NewContext(func() context.Context {
		return context.WithValue(context.Background(), key{}, "host")
	})
	loc.A.Handle("host", func(ctx context.Context, _ *pipetalk.Request) (any, error) {
		v, _ := ctx.Value(key{}).(string)
		return v, nil
	})
	loc.A.Handle("ping", pong)

	if got, err := loc.B.Call(context.Background(), "host", nil); err != nil || string(got) != `"host"` {
		t.Errorf("Call host: got %s, %v; want host", got, err)
	}

	if got, err := loc.A.Exec(context.Background(), "ping", nil); err != nil || string(got) != `"pong"` {
		t.Errorf("Exec ping: got %s, %v; want pong", got, err)
	}
	if got, err := loc.A.Exec(context.Background(), "nonesuch", nil); !errors.Is(err, pipetalk.ErrNoHandler) {
		t.Errorf("Exec nonesuch: got %s, %v; want %v", got, err, pipetalk.ErrNoHandler)
	}

	loc.A.Handle("ping", nil)
	if _, err := loc.B.Call(context.Background(), "ping", nil); err == nil {
		t.Error("Call removed handler: got nil, want error")
	}
}
