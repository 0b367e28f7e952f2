// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package backend

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/battery-analytics/pipetalk"
	"github.com/creachadair/taskgroup"
	"github.com/go-logr/logr"
)

// Serve registers the methods of p on t and serves requests until the peer
// closes its stream, ctx ends, or the process receives SIGINT or SIGTERM.
// If the plugin is still loaded when serving stops, Serve unloads it.
//
// The caller is responsible for closing the streams of t.
func Serve(ctx context.Context, t *pipetalk.Talker, p *Plugin) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.Register(t)
	log := p.log
	t.SetLogger(log.WithName("talker")).
		NewContext(func() context.Context { return logr.NewContext(context.Background(), log) }).
		Listen()
	log.Info("Back-end is serving")

	done := make(chan error, 1)
	g := taskgroup.New(nil)
	g.Go(func() error { done <- t.Wait(); return nil })

	var err error
	select {
	case err = <-done:
		if err != nil {
			log.Error(err, "Reader failed")
		} else {
			log.Info("Front-end closed the channel")
		}
	case <-ctx.Done():
		log.Info("Stopping", "reason", context.Cause(ctx))
	}

	if uerr := t.Unlisten(context.Background()); uerr != nil {
		log.Error(uerr, "Unlisten")
	}
	g.Wait()

	if p.Started() {
		log.Info("Plugin still loaded; unloading")
		if uerr := p.Unload(context.Background()); uerr != nil {
			log.Error(uerr, "Unloading plugin")
		}
	}
	return err
}
