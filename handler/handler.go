// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package handler provides adapters to the pipetalk.Handler type for functions
// with other signatures.
//
// Parameters are decoded from the JSON payload of the request. By convention
// the payload is an object of keyword arguments, so a parameter type is
// usually a struct with JSON field tags or a map. An absent payload leaves the
// parameter at its zero value, except that a map parameter is an empty map.
//
// Results are encoded as JSON by the talker.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/battery-analytics/pipetalk"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request.  The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *pipetalk.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*pipetalk.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a pipetalk.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) pipetalk.Handler {
	return func(ctx context.Context, req *pipetalk.Request) (any, error) {
		p, err := unmarshal[P](req.Data)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a pipetalk.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) pipetalk.Handler {
	return func(ctx context.Context, req *pipetalk.Request) (any, error) {
		p, err := unmarshal[P](req.Data)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a pipetalk.Handler. The response to a successful
// call has no payload.
func ParamError[P any](f func(context.Context, P) error) pipetalk.Handler {
	return func(ctx context.Context, req *pipetalk.Request) (any, error) {
		p, err := unmarshal[P](req.Data)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a pipetalk.Handler. Any request payload is
// ignored.
func ResultError[R any](f func(context.Context) (R, error)) pipetalk.Handler {
	return func(ctx context.Context, req *pipetalk.Request) (any, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

var emptyObject = []byte("{}")

// unmarshal decodes data into a value of type P.
func unmarshal[P any](data json.RawMessage) (P, error) {
	var p P
	if len(data) == 0 {
		if reflect.TypeFor[P]().Kind() == reflect.Map {
			data = emptyObject
		} else {
			return p, nil
		}
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, &pipetalk.ErrorData{
			Message: fmt.Sprintf("invalid parameters: %v", err),
			Debug:   fmt.Sprintf("decoding %T from %s: %+v", p, data, err),
		}
	}
	return p, nil
}
