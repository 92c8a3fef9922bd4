package epoll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
)

func newLoop(t *testing.T) *LinuxEventLoop {
	t.Helper()
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func pair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func find(evs []domain.Event, fd int) (domain.EventType, bool) {
	for _, ev := range evs {
		if ev.FD == fd {
			return ev.Events, true
		}
	}
	return 0, false
}

func TestWaitTimeout(t *testing.T) {
	l := newLoop(t)
	start := time.Now()
	evs, err := l.Wait(20 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 0 {
		t.Fatalf("unexpected events %v", evs)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("returned before timeout")
	}
}

func TestLevelTriggeredRead(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)

	if err := l.Register(a, domain.EventRead); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatal(err)
	}

	// unread data keeps reporting
	for i := 0; i < 2; i++ {
		evs, err := l.Wait(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		ev, ok := find(evs, a)
		if !ok || ev&domain.EventRead == 0 {
			t.Fatalf("iteration %d: missing read event in %v", i, evs)
		}
	}

	if err := l.Modify(a, domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	evs, err := l.Wait(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev, ok := find(evs, a); !ok || ev != domain.EventWrite {
		t.Fatalf("expected write-only readiness, got %v", evs)
	}

	if err := l.Unregister(a); err != nil {
		t.Fatal(err)
	}
	evs, err = l.Wait(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := find(evs, a); ok {
		t.Fatal("unregistered fd reported")
	}
}

func TestHangupReportsReadWrite(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)

	if err := l.Register(a, domain.EventRead); err != nil {
		t.Fatal(err)
	}
	unix.Close(b)

	evs, err := l.Wait(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := find(evs, a)
	if !ok || ev&domain.EventRead == 0 || ev&domain.EventWrite == 0 {
		t.Fatalf("hangup not reported as read|write: %v", evs)
	}
}

func TestWake(t *testing.T) {
	l := newLoop(t)

	done := make(chan error, 1)
	go func() {
		evs, err := l.Wait(-1)
		if err == nil && len(evs) != 0 {
			t.Errorf("wake surfaced as event: %v", evs)
		}
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := l.Wake(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait was not interrupted")
	}

	// the wakeup was consumed
	evs, err := l.Wait(10 * time.Millisecond)
	if err != nil || len(evs) != 0 {
		t.Fatalf("stale wakeup: %v %v", evs, err)
	}
}

func TestTimeoutMillis(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{-1, -1},
		{0, 0},
		{time.Microsecond, 1},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{time.Second, 1000},
	}
	for _, tt := range tests {
		if got := timeoutMillis(tt.in); got != tt.want {
			t.Errorf("timeoutMillis(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
