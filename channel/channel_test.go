// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

package channel_test

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/battery-analytics/pipetalk/channel"
	"github.com/creachadair/taskgroup"
)

func TestPipe(t *testing.T) {
	a, b := channel.Pipe()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if _, err := io.WriteString(a.W, ">1:ping\n"); err != nil {
			t.Errorf("A Write: %v", err)
		}
		got, err := bufio.NewReader(a.R).ReadString('\n')
		if err != nil {
			t.Errorf("A Read: %v", err)
		}
		if got != "<1:result\n" {
			t.Errorf("A Read: got %q, want response", got)
		}
		return nil
	})
	g.Go(func() error {
		got, err := bufio.NewReader(b.R).ReadString('\n')
		if err != nil {
			t.Errorf("B Read: %v", err)
		}
		if got != ">1:ping\n" {
			t.Errorf("B Read: got %q, want request", got)
		}
		if _, err := io.WriteString(b.W, "<1:result\n"); err != nil {
			t.Errorf("B Write: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := a.Close(); err != nil {
		t.Errorf("a.Close: %v", err)
	}
	if _, err := io.WriteString(b.W, "x"); err == nil {
		t.Error("b.Write after close did not report an error")
	}
	if err := b.Close(); err != nil {
		t.Errorf("b.Close: %v", err)
	}
}

func TestStart(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skipf("No cat program available: %v", err)
	}

	cmd := exec.Command("cat")
	conn, err := channel.Start(cmd)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := io.WriteString(conn.W, ">7:echo:[1,2]\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := bufio.NewReader(conn.R).ReadString('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != ">7:echo:[1,2]\n" {
		t.Errorf("Read: got %q, want echo", got)
	}

	conn.W.Close() // cat exits at end of input
	if err := cmd.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	conn.R.Close()

	if _, err := channel.Start(cmd); err == nil {
		t.Error("Start with stdin already set did not report an error")
	}
}

func TestFile(t *testing.T) {
	t.Run("Regular", func(t *testing.T) {
		f, err := os.Create(filepath.Join(t.TempDir(), "input"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer f.Close()
		if got := channel.File(f); got != f {
			t.Errorf("File(regular): got %v, want the same file", got)
		}
	})

	t.Run("Pipe", func(t *testing.T) {
		// Descriptors from syscall.Pipe are blocking, as os/exec leaves them
		// in a child process.
		var fds [2]int
		if err := syscall.Pipe(fds[:]); err != nil {
			t.Fatalf("Pipe: %v", err)
		}
		r, w := os.NewFile(uintptr(fds[0]), "|0"), os.NewFile(uintptr(fds[1]), "|1")
		defer w.Close()
		if err := r.SetReadDeadline(time.Now()); err == nil {
			t.Fatal("SetReadDeadline on a blocking pipe: got nil, want error")
		}

		f := channel.File(r)
		r.Close()
		defer f.Close()

		errc := make(chan error, 1)
		go func() {
			var buf [1]byte
			_, err := f.Read(buf[:])
			errc <- err
		}()
		time.Sleep(10 * time.Millisecond)
		if err := f.SetReadDeadline(time.Now()); err != nil {
			t.Fatalf("SetReadDeadline: %v", err)
		}
		select {
		case err := <-errc:
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				t.Errorf("Read: got %v, want %v", err, os.ErrDeadlineExceeded)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Read was not interrupted by the deadline")
		}

		// The stream is still usable after the deadline is cleared.
		f.SetReadDeadline(time.Time{})
		if _, err := io.WriteString(w, "ok\n"); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := bufio.NewReader(f).ReadString('\n')
		if err != nil || got != "ok\n" {
			t.Errorf("Read: got %q, %v; want ok", got, err)
		}
	})
}
