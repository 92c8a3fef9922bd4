package domain

import (
	"io"
)

// fakeSocket is an in-memory Socket. Reads drain inbox; writes accept at
// most writeLimit bytes per call (negative means unlimited, zero blocks).
type fakeSocket struct {
	fd         int
	inbox      []byte
	eof        bool
	readErr    error
	writeLimit int
	writeErr   error
	written    []byte
	shutWrite  bool
	closed     int
}

func newFakeSocket(fd int) *fakeSocket {
	return &fakeSocket{fd: fd, writeLimit: -1}
}

func (f *fakeSocket) FD() int {
	if f.closed > 0 {
		return -1
	}
	return f.fd
}

func (f *fakeSocket) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.inbox) == 0 {
		if f.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, f.inbox)
	f.inbox = f.inbox[n:]
	return n, nil
}

func (f *fakeSocket) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(p)
	if f.writeLimit >= 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	if n == 0 && len(p) > 0 {
		return 0, ErrWouldBlock
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func (f *fakeSocket) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (f *fakeSocket) CloseWrite() error {
	f.shutWrite = true
	return nil
}

func (f *fakeSocket) Err() error { return nil }

func (f *fakeSocket) Close() error {
	f.closed++
	return nil
}
