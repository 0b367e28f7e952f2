// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package channel provides byte-stream pairs for pipetalk.Talker values.
package channel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// A Conn is one end of a bidirectional byte stream: the talker at this end
// reads from R and writes to W.
type Conn struct {
	R io.ReadCloser
	W io.WriteCloser
}

// Close closes both streams of c.
func (c Conn) Close() error {
	return errors.Join(c.R.Close(), c.W.Close())
}

// Pipe constructs a connected pair of in-memory streams. Bytes written to A
// are read by B and vice versa.
func Pipe() (A, B Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return Conn{R: ar, W: aw}, Conn{R: br, W: bw}
}

// Stdio returns the standard input and output of the current process.
//
// A process started by os/exec receives its pipes in blocking mode, and a
// read blocked on such a descriptor cannot be interrupted. If standard input
// is a pipe or socket, Stdio switches it to non-blocking mode so that a talker
// reading it can stop listening.
func Stdio() Conn {
	return Conn{R: File(os.Stdin), W: os.Stdout}
}

// File returns a file that supports read deadlines for the same stream as f,
// if f is a pipe or socket. Otherwise it returns f unchanged. When File
// returns a new file, f should no longer be used for reading.
func File(f *os.File) *os.File {
	fi, err := f.Stat()
	if err != nil || fi.Mode()&(os.ModeNamedPipe|os.ModeSocket) == 0 {
		return f
	}
	fd, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		return f
	}
	syscall.CloseOnExec(fd)

	// NewFile registers a non-blocking descriptor with the runtime poller.
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return f
	}
	return os.NewFile(uintptr(fd), f.Name())
}

// Start starts cmd with its standard input and output connected to the
// returned Conn. The caller's ends are OS pipes, which support read
// deadlines. The command's standard error is left as configured by the
// caller. It is an error if cmd.Stdin or cmd.Stdout is already set.
//
// The caller is responsible for waiting for cmd and closing the Conn.
func Start(cmd *exec.Cmd) (Conn, error) {
	if cmd.Stdin != nil || cmd.Stdout != nil {
		return Conn{}, errors.New("command stdin or stdout is already set")
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		return Conn{}, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return Conn{}, err
	}
	cmd.Stdin = inR
	cmd.Stdout = outW

	err = cmd.Start()

	// The child holds its own copies of these descriptors.
	inR.Close()
	outW.Close()
	if err != nil {
		inW.Close()
		outR.Close()
		return Conn{}, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	return Conn{R: outR, W: inW}, nil
}
