// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package pipetalk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	requestTag  = '>'
	responseTag = '<'
)

var (
	errEmptyLine = errors.New("empty line")
	errMissingID = errors.New("missing request ID")
)

// Kind describes the outcome reported by a response.
type Kind string

const (
	KindResult Kind = "result" // the call succeeded; Data is the result
	KindError  Kind = "error"  // the call failed; Data is an ErrorData record
)

// Request is a single PipeTalk request message.
//
// A nil Data is the absent payload, which is distinct from a JSON null.
type Request struct {
	ID     string
	Method string
	Data   json.RawMessage
}

// Encode encodes r as a single line of text without a line terminator.
func (r Request) Encode() []byte { return encodeLine(requestTag, r.ID, r.Method, r.Data) }

// UnmarshalText decodes a request line. A trailing line terminator, if
// present, is ignored. It implements encoding.TextUnmarshaler.
func (r *Request) UnmarshalText(line []byte) error {
	id, method, data, err := parseLine(requestTag, line)
	if err != nil {
		return err
	}
	r.ID, r.Method, r.Data = id, method, data
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%s, Method=%q, Data=%s)", r.ID, r.Method, dataString(r.Data))
}

// Response is a single PipeTalk response message.
type Response struct {
	ID   string
	Kind Kind
	Data json.RawMessage
}

// Encode encodes r as a single line of text without a line terminator.
func (r Response) Encode() []byte { return encodeLine(responseTag, r.ID, string(r.Kind), r.Data) }

// UnmarshalText decodes a response line. A trailing line terminator, if
// present, is ignored. It implements encoding.TextUnmarshaler.
func (r *Response) UnmarshalText(line []byte) error {
	id, kind, data, err := parseLine(responseTag, line)
	if err != nil {
		return err
	}
	r.ID, r.Kind, r.Data = id, Kind(kind), data
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	return fmt.Sprintf("Response(ID=%s, Kind=%s, Data=%s)", r.ID, r.Kind, dataString(r.Data))
}

// ErrorData is the payload of an error response. It implements the error
// interface, so a handler may return an ErrorData or *ErrorData to control
// exactly what is reported to the caller.
type ErrorData struct {
	Message string `json:"m,omitempty"` // human-readable message
	Debug   string `json:"d,omitempty"` // diagnostic detail, such as a stack trace
}

// Error satisfies the error interface.
func (e ErrorData) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// Encode encodes e as a JSON object.
func (e ErrorData) Encode() json.RawMessage {
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("encoding error data: %v", err))
	}
	return data
}

// Decode decodes data into e. An absent payload decodes as empty.
func (e *ErrorData) Decode(data []byte) error {
	*e = ErrorData{}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("invalid error data: %w", err)
	}
	return nil
}

func encodeLine(tag byte, id, sub string, data json.RawMessage) []byte {
	buf := make([]byte, 0, 3+len(id)+len(sub)+len(data))
	buf = append(buf, tag)
	buf = append(buf, id...)
	if sub == "" && len(data) == 0 {
		return buf
	}
	buf = append(buf, ':')
	buf = append(buf, sub...)
	if len(data) != 0 {
		buf = append(buf, ':')
		buf = append(buf, singleLine(data)...)
	}
	return buf
}

// singleLine returns data with any line breaks removed. Compacting is only
// needed for hand-built payloads; json.Marshal never emits a newline.
func singleLine(data []byte) []byte {
	if !bytes.ContainsAny(data, "\r\n") {
		return data
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err == nil {
		return buf.Bytes()
	}
	return bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, data)
}

// parseLine splits a message line into its positional sections.  Missing
// trailing sections are reported as empty, and a blank payload is absent.
func parseLine(tag byte, line []byte) (id, sub string, data json.RawMessage, _ error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return "", "", nil, errEmptyLine
	} else if line[0] != tag {
		return "", "", nil, fmt.Errorf("unexpected message tag %q, want %q", line[0], tag)
	}

	idb, rest, ok := bytes.Cut(line[1:], []byte(":"))
	if len(idb) == 0 {
		return "", "", nil, errMissingID
	}
	id = string(idb)
	if !ok {
		return id, "", nil, nil
	}

	subb, rest, ok := bytes.Cut(rest, []byte(":"))
	sub = strings.TrimSpace(string(subb))
	if !ok {
		return id, sub, nil, nil
	}
	if p := bytes.TrimSpace(rest); len(p) != 0 {
		data = bytes.Clone(p)
	}
	return id, sub, data, nil
}

func dataString(data json.RawMessage) string {
	if data == nil {
		return "<absent>"
	}
	const maxShown = 64
	if len(data) > maxShown {
		return fmt.Sprintf("%s...[%d bytes]", data[:maxShown], len(data))
	}
	return string(data)
}
