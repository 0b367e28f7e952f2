// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package peers provides support code for managing and testing talkers.
package peers

import (
	"context"
	"errors"

	"github.com/battery-analytics/pipetalk"
	"github.com/battery-analytics/pipetalk/channel"
)

// Local is a pair of in-memory connected talkers, suitable for testing.
type Local struct {
	A *pipetalk.Talker
	B *pipetalk.Talker

	a, b channel.Conn
}

// NewLocal creates a pair of listening talkers connected by in-memory pipes.
func NewLocal() *Local {
	a, b := channel.Pipe()
	return &Local{
		A: pipetalk.New(a.R, a.W).Listen(),
		B: pipetalk.New(b.R, b.W).Listen(),
		a: a,
		b: b,
	}
}

// Stop shuts down both talkers, closes their streams, and blocks until both
// have stopped.
func (p *Local) Stop(ctx context.Context) error {
	aerr := p.A.Unlisten(ctx)
	berr := p.B.Unlisten(ctx)
	return errors.Join(aerr, berr, p.a.Close(), p.b.Close())
}
