// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk

import (
	"errors"
	"strconv"
)

// maxRequestIDs is the size of the outbound request identifier space.
// Identifiers are the decimal strings of [0, maxRequestIDs).
const maxRequestIDs = 9_999_999

var (
	errUnknownID = errors.New("no pending request")
	errResolved  = errors.New("request already resolved")
)

// A call is the state of one outbound request. The fields other than done
// are written only by the loop goroutine, and may be read by the caller once
// done is closed.
type call struct {
	done   chan struct{} // closed when rsp or err is set
	rsp    *Response
	err    error
	pinned bool // the caller has gone away; discard the response
}

func (c *call) settled() bool { return c.rsp != nil || c.err != nil }

// A callTable tracks outbound requests by identifier. An identifier stays
// reserved from allocation until its caller has consumed the response, the
// response to a pinned call arrives, or the table is closed.
//
// A callTable is not safe for concurrent use; it is only touched by the loop
// goroutine of a session.
type callTable struct {
	limit  int
	next   int
	calls  map[string]*call
	closed error
}

func newCallTable(limit int) *callTable {
	return &callTable{limit: limit, calls: make(map[string]*call)}
}

// allocate reserves and returns an unused identifier and its call state.
func (t *callTable) allocate() (string, *call, error) {
	if t.closed != nil {
		return "", nil, t.closed
	} else if len(t.calls) >= t.limit {
		return "", nil, ErrTooManyRequests
	}
	for {
		id := strconv.Itoa(t.next)
		t.next++
		if t.next >= t.limit {
			t.next = 0
		}
		if _, ok := t.calls[id]; !ok {
			c := &call{done: make(chan struct{})}
			t.calls[id] = c
			return id, c, nil
		}
	}
}

// resolve delivers rsp to the call waiting for it. The first response for an
// identifier wins; later ones are reported and discarded.
func (t *callTable) resolve(rsp *Response) error {
	c, ok := t.calls[rsp.ID]
	if !ok {
		return errUnknownID
	} else if c.settled() {
		return errResolved
	} else if c.pinned {
		delete(t.calls, rsp.ID)
		return nil
	}
	c.rsp = rsp
	close(c.done)
	return nil
}

// retire releases id after its caller has consumed the result.
func (t *callTable) retire(id string) { delete(t.calls, id) }

// pin marks id as abandoned by its caller. The identifier remains reserved
// until the peer answers, so that a late response cannot be mistaken for the
// reply to a new request that reused the identifier.
func (t *callTable) pin(id string) {
	c, ok := t.calls[id]
	if !ok {
		return
	} else if c.settled() {
		delete(t.calls, id)
		return
	}
	c.pinned = true
}

// close fails every unsettled call with err and refuses further allocations.
// It returns the number of callers released.
func (t *callTable) close(err error) int {
	var n int
	for id, c := range t.calls {
		if !c.settled() {
			c.err = err
			close(c.done)
			if !c.pinned {
				n++
			}
		}
		delete(t.calls, id)
	}
	t.closed = err
	return n
}

// pending reports the number of reserved identifiers.
func (t *callTable) pending() int { return len(t.calls) }
