package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeTransfer blocks in DownloadAll until release is closed (if set).
type fakeTransfer struct {
	release chan struct{}
	report  Report
	err     error
	closed  atomic.Int32
}

func (f *fakeTransfer) DownloadAll(ctx context.Context, dest string) (Report, error) {
	if f.release != nil {
		<-f.release
	}
	return f.report, f.err
}

func (f *fakeTransfer) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeOpener struct {
	transfer *fakeTransfer
	err      error
}

func (o *fakeOpener) Open(ctx context.Context, address string, connectTimeout, rwTimeout time.Duration) (Transfer, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.transfer, nil
}

func opts(t *testing.T) Options {
	return Options{Address: "station:22", ConnectTimeout: time.Second, RWTimeout: time.Second, Dest: t.TempDir()}
}

func TestAttemptSucceeds(t *testing.T) {
	ft := &fakeTransfer{report: Report{Files: 3, Bytes: 1024}}
	a := Start(context.Background(), &fakeOpener{transfer: ft}, "42", opts(t), discard)

	r, ok := a.Wait(context.Background(), 2*time.Second)
	if !ok {
		t.Fatal("expected the attempt to finish")
	}
	if r.Err != nil || r.Report.Files != 3 {
		t.Errorf("unexpected result %+v", r)
	}
	<-a.Done()
	if a.State() != StateSucceeded {
		t.Errorf("expected succeeded, got %v", a.State())
	}
	if ft.closed.Load() != 1 {
		t.Errorf("expected the transfer to be closed once, got %d", ft.closed.Load())
	}
}

func TestAttemptConnectFailure(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	a := Start(context.Background(), &fakeOpener{err: refused}, "42", opts(t), discard)

	r, ok := a.Wait(context.Background(), 2*time.Second)
	if !ok {
		t.Fatal("expected the attempt to finish")
	}
	if !errors.Is(r.Err, ErrConnectionRefused) {
		t.Errorf("expected ErrConnectionRefused, got %v", r.Err)
	}
	if a.State() != StateFailed {
		t.Errorf("expected failed, got %v", a.State())
	}
}

func TestAttemptAbandonedStillClosesConnection(t *testing.T) {
	ft := &fakeTransfer{release: make(chan struct{}), report: Report{Files: 9}}
	a := Start(context.Background(), &fakeOpener{transfer: ft}, "42", opts(t), discard)

	if _, ok := a.Wait(context.Background(), 20*time.Millisecond); ok {
		t.Fatal("expected the wait to time out")
	}
	if !a.Abandon() {
		t.Fatal("expected Abandon to take effect on a running attempt")
	}
	if a.State() != StateAbandoned {
		t.Errorf("expected abandoned, got %v", a.State())
	}

	// The session finishes late; its result must be dropped but its
	// connection still closed.
	close(ft.release)
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned attempt never returned")
	}
	if ft.closed.Load() != 1 {
		t.Errorf("expected the abandoned transfer to be closed, got %d", ft.closed.Load())
	}
	if _, ok := a.Collect(); ok {
		t.Error("abandoned attempt should not deliver a result")
	}
	if a.State() != StateAbandoned {
		t.Errorf("late completion changed state to %v", a.State())
	}
}

func TestAbandonAfterFinishReturnsFalse(t *testing.T) {
	ft := &fakeTransfer{report: Report{Files: 1}}
	a := Start(context.Background(), &fakeOpener{transfer: ft}, "42", opts(t), discard)
	<-a.Done()

	if a.Abandon() {
		t.Error("Abandon should not override a finished attempt")
	}
	if r, ok := a.Collect(); !ok || r.Report.Files != 1 {
		t.Errorf("expected the finished result to be collectable, got %+v %v", r, ok)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyConnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ErrConnectionRefused},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrConnectionTimeout},
		{"context deadline", context.DeadlineExceeded, ErrConnectionTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyConnect(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classifyConnect(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	other := errors.New("no route to host")
	if got := classifyConnect(other); got != other {
		t.Errorf("unexpected rewrite of %v to %v", other, got)
	}
}

func TestIdleConnTimesOutWhenQuiet(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := newIdleConn(a, 20*time.Millisecond)
	buf := make([]byte, 8)
	_, err := c.Read(buf)
	if err == nil {
		t.Fatal("expected a read deadline error")
	}
	if !c.TimedOut() {
		t.Error("expected TimedOut after a stalled read")
	}
}

func TestIdleConnResetsDeadlinePerRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(10 * time.Millisecond)
			b.Write([]byte("x"))
		}
	}()

	c := newIdleConn(a, time.Second)
	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		if _, err := c.Read(buf); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if c.TimedOut() {
		t.Error("steady traffic should not time out")
	}
}

func TestCtxReaderStopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := ctxReader{ctx: ctx, r: strings.NewReader("station data")}

	buf := make([]byte, 4)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	if _, err := r.Read(buf); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
