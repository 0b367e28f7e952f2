// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
)

var errUnknownMessage = errors.New("unknown message type")

// A session is the state of one listening period of a Talker.
type session struct {
	t     *Talker
	log   logr.Logger
	loop  *loop
	calls *callTable       // owned by loop
	tasks *taskgroup.Group // active handlers

	ctx    context.Context // parent of handler contexts
	cancel context.CancelFunc

	quit     chan struct{} // closed to stop the reader
	pumpDone chan struct{} // closed when the stream reader exits
	finished chan struct{} // closed when the reader loop exits
	stopped  chan struct{} // closed when Unlisten completes

	readErr error // set by the pump before it closes its output
	err     error // set by the reader loop before finished is closed
}

func (s *session) start() {
	lines := make(chan []byte)
	go s.pump(lines)
	go s.read(lines)
}

// pump reads lines from the input stream and forwards them to the reader
// loop. It is the only goroutine that blocks on the stream.
func (s *session) pump(lines chan<- []byte) {
	defer close(s.pumpDone)
	defer close(lines)

	in := &s.t.in
	in.Lock()
	defer in.Unlock()
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		line, err := in.r.ReadBytes('\n')
		if len(in.partial) != 0 {
			line = append(in.partial, line...)
			in.partial = nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) && len(line) != 0 {
			// The rest of the line belongs to the next session.
			in.partial = line
		}
		if len(line) != 0 && (err == nil || err == io.EOF) {
			select {
			case lines <- line:
			case <-s.quit:
				s.log.V(1).Info("Discarding line read after quit", "line", string(line))
				return
			}
		}
		if err != nil {
			if !isClosedStream(err) {
				s.readErr = err
			}
			return
		}
	}
}

// read is the reader loop. It waits for either a line from the pump or the
// quit signal, and hands each parsed message to the session loop.
func (s *session) read(lines <-chan []byte) {
	defer close(s.finished)
	defer s.loop.post(func() {
		// No further responses can arrive, so release any callers still waiting.
		if n := s.calls.close(ErrClosed); n != 0 {
			rootMetrics.abandoned.Add(int64(n))
			s.log.Info("Abandoned pending requests", "count", n)
		}
	})
	for {
		select {
		case <-s.quit:
			return
		case line, ok := <-lines:
			if !ok {
				s.err = s.readErr
				if s.err != nil {
					s.log.Error(s.err, "Reading from peer failed")
				}
				return
			}
			s.receive(line)
		}
	}
}

// receive classifies one inbound line. A failure to handle any single line is
// logged and does not stop the reader.
func (s *session) receive(line []byte) {
	defer func() {
		if x := recover(); x != nil {
			s.log.Error(fmt.Errorf("panic: %v", x), "Handling line failed", "line", string(line))
		}
	}()

	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return // blank lines are ignored
	}
	rootMetrics.lineRecv.Add(1)
	if mlog := s.t.messageLogger(); mlog != nil {
		mlog(MessageInfo{Line: line, Sent: false})
	}

	switch line[0] {
	case requestTag:
		req := new(Request)
		if err := req.UnmarshalText(line); err != nil {
			s.drop(line, err)
			return
		}
		s.loop.post(func() { s.dispatch(req) })

	case responseTag:
		rsp := new(Response)
		if err := rsp.UnmarshalText(line); err != nil {
			s.drop(line, err)
			return
		}
		s.loop.post(func() {
			if err := s.calls.resolve(rsp); err != nil {
				s.drop(line, err)
			}
		})

	default:
		s.drop(line, errUnknownMessage)
	}
}

func (s *session) drop(line []byte, err error) {
	rootMetrics.lineDropped.Add(1)
	s.log.Error(err, "Dropped message", "line", string(line))
}

// stop runs the teardown sequence for Unlisten.
func (s *session) stop(ctx context.Context) error {
	close(s.quit)
	select {
	case <-s.pumpDone:
		// The stream already ended.
	default:
		if s.t.interrupt() {
			<-s.pumpDone
			s.t.clearDeadline()
			break
		}
		// Closing does not wake a read blocked in the kernel on every kind
		// of stream, so do not wait for the pump indefinitely.
		select {
		case <-s.pumpDone:
		case <-time.After(abandonWait):
			s.log.Info("Input stream cannot be interrupted; abandoning blocked read")
		}
	}
	<-s.finished

	// Requests received before the reader stopped may still be queued for
	// dispatch. Flush them so the handler group is complete before waiting.
	s.loop.call(func() {})

	var err error
	done := make(chan struct{})
	go func() { defer close(done); s.tasks.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Info("Canceling active handlers", "reason", ctx.Err())
		err = ctx.Err()
		s.cancel()
		<-done
	}
	s.cancel()
	s.loop.close()
	return err
}

type deadliner interface{ SetReadDeadline(time.Time) error }

// abandonWait bounds how long stop waits for a blocked read to end when the
// input stream could not be given a read deadline.
const abandonWait = 250 * time.Millisecond

// interrupt tries to unblock a pending read on the input stream. It reports
// true only if it set a read deadline, which is certain to end the read.
// Otherwise it closes the stream if possible, which may or may not.
func (t *Talker) interrupt() bool {
	if d, ok := t.in.src.(deadliner); ok && d.SetReadDeadline(time.Now()) == nil {
		return true
	}
	if c, ok := t.in.src.(io.Closer); ok {
		c.Close()
	}
	return false
}

func (t *Talker) clearDeadline() {
	if d, ok := t.in.src.(deadliner); ok {
		d.SetReadDeadline(time.Time{})
	}
}

// isClosedStream reports whether err means the stream ended or was
// interrupted, rather than failed.
func isClosedStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
