// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
)

var errMissingMethod = &ErrorData{Message: "missing method name"}

// dispatch starts a task to answer req. It runs on the session loop.
func (s *session) dispatch(req *Request) {
	rootMetrics.callIn.Add(1)
	rootMetrics.callActive.Add(1)
	s.tasks.Go(func() error {
		defer rootMetrics.callActive.Add(-1)

		rsp := s.answer(req)
		if rsp.Kind == KindError {
			rootMetrics.callInErr.Add(1)
		}
		if err := s.t.send(rsp.Encode()); err != nil {
			s.log.Error(err, "Writing response failed", "id", req.ID, "method", req.Method)
		}
		return nil
	})
}

// answer computes the response to req. Every failure, including a panic in
// the handler, is reported as an error response.
func (s *session) answer(req *Request) *Response {
	if req.Method == "" {
		return errorResponse(req.ID, errMissingMethod)
	}
	if err := checkJSON(req.Data); err != nil {
		return errorResponse(req.ID, &ErrorData{
			Message: "invalid request payload",
			Debug:   err.Error(),
		})
	}

	ctx, cancel := context.WithCancel(s.t.baseContext())
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	data, err := s.t.invoke(ctx, req)
	if err != nil {
		s.log.V(1).Info("Request failed", "id", req.ID, "method", req.Method, "error", err)
		return errorResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Kind: KindResult, Data: data}
}

// invoke calls the handler for req and encodes its result.
func (t *Talker) invoke(ctx context.Context, req *Request) (json.RawMessage, error) {
	h := t.handler(req.Method)
	if h == nil {
		return nil, ErrNoHandler
	}
	v, err := func() (_ any, err error) {
		// Ensure a panic out of the handler is turned into a graceful response.
		defer func() {
			if x := recover(); x != nil {
				err = &ErrorData{
					Message: fmt.Sprintf("handler panicked: %v", x),
					Debug:   string(debug.Stack()),
				}
			}
		}()
		return h(ctx, req)
	}()
	if err != nil {
		return nil, err
	}
	data, err := encodePayload(v)
	if err != nil {
		return nil, &ErrorData{Message: "cannot encode result", Debug: err.Error()}
	}
	return data, nil
}

// messager is an extension interface an error may implement to provide a
// human-readable message distinct from its Error text.
type messager interface{ ErrorMessage() string }

func errorResponse(id string, err error) *Response {
	return &Response{ID: id, Kind: KindError, Data: errorData(err).Encode()}
}

// errorData converts err to the payload of an error response.
func errorData(err error) ErrorData {
	var ep *ErrorData
	if errors.As(err, &ep) {
		return *ep
	}
	var ev ErrorData
	if errors.As(err, &ev) {
		return ev
	}
	var ce *CallError
	if errors.As(err, &ce) && ce.Err == nil {
		return ce.ErrorData // pass through an error reported by a callback
	}

	msg := err.Error()
	if m, ok := err.(messager); ok {
		msg = m.ErrorMessage()
	}
	return ErrorData{Message: msg, Debug: fmt.Sprintf("%T: %+v", err, err)}
}
