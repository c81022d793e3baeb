package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
)

type sent struct {
	to    string
	text  string
	reply bool
}

type fakeSender struct {
	mu        sync.Mutex
	sends     []sent
	presences []adapter.Presence
	replyErr  error
	textErr   error
	nextID    int
}

func (f *fakeSender) SendText(ctx context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return "", f.textErr
	}
	f.nextID++
	f.sends = append(f.sends, sent{to: to, text: text})
	return fmt.Sprintf("OUT-%d", f.nextID), nil
}

func (f *fakeSender) SendReply(ctx context.Context, env adapter.Envelope, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.nextID++
	f.sends = append(f.sends, sent{to: env.Chat, text: text, reply: true})
	return fmt.Sprintf("OUT-%d", f.nextID), nil
}

func (f *fakeSender) SendPresence(ctx context.Context, to string, p adapter.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, p)
	return errors.New("presence not supported")
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sends...)
}

type backendFunc func(ctx context.Context, req Request) (string, error)

func (f backendFunc) Reply(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

func dm(id, phone, text string) adapter.Envelope {
	return adapter.Envelope{ID: id, Chat: phone, Sender: phone, Text: text, PushName: "Ann"}
}

func TestLedgerBounded(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 5000; i++ {
		l.Add(fmt.Sprintf("id-%d", i))
		if l.Len() > LedgerCapacity {
			t.Fatalf("ledger grew to %d after %d adds", l.Len(), i+1)
		}
	}
	if !l.Contains("id-4999") {
		t.Error("most recent id was trimmed")
	}
	if l.Contains("id-0") {
		t.Error("oldest id survived trimming")
	}
}

func TestLedgerTrimKeepsMostRecent(t *testing.T) {
	l := newLedger(4, 2)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		l.Add(id)
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
	if !l.Contains("d") || !l.Contains("e") || l.Contains("c") {
		t.Error("trim did not keep the two most recent ids")
	}
	l.Add("e")
	l.Add("")
	if l.Len() != 2 {
		t.Errorf("duplicate or empty id changed Len to %d", l.Len())
	}
}

func TestAcceptFilters(t *testing.T) {
	p := New(Options{Backend: backendFunc(func(context.Context, Request) (string, error) { return "", nil })})
	p.Ledger().Add("SELF-1")

	tests := []struct {
		name string
		env  adapter.Envelope
		want bool
	}{
		{"plain dm", dm("M1", "15551234567", "hello"), true},
		{"broadcast", adapter.Envelope{ID: "M2", Chat: "status@broadcast", Sender: "1", Text: "hi", Broadcast: true}, false},
		{"empty", dm("M3", "1", ""), false},
		{"whitespace", dm("M4", "1", " \n\t "), false},
		{"self echo", dm("SELF-1", "1", "hi"), false},
		{"own message elsewhere", adapter.Envelope{ID: "M5", Chat: "2", Sender: "1", Text: "hi", FromMe: true}, false},
		{"own note to self", adapter.Envelope{ID: "M6", Chat: "1", Sender: "1", Text: "hi", FromMe: true, SelfChat: true}, true},
		{"group participant", adapter.Envelope{ID: "M7", Chat: "123-456@g.us", Sender: "15550000001", Text: "hi", IsGroup: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, reason := p.Accept(tt.env); got != tt.want {
				t.Errorf("Accept = %v (%s), want %v", got, reason, tt.want)
			}
		})
	}
}

func TestEndToEndReply(t *testing.T) {
	var calls int32
	var gotReq Request
	p := New(Options{Backend: backendFunc(func(ctx context.Context, req Request) (string, error) {
		atomic.AddInt32(&calls, 1)
		gotReq = req
		return "hi there", nil
	})})
	s := &fakeSender{}

	if !p.Dispatch(context.Background(), s, dm("IN-1", "15551234567", "hello")) {
		t.Fatal("message not accepted")
	}
	p.Wait()

	sends := s.snapshot()
	if len(sends) != 1 {
		t.Fatalf("got %d sends, want 1: %+v", len(sends), sends)
	}
	if sends[0].to != "15551234567" || sends[0].text != "hi there" {
		t.Errorf("unexpected send: %+v", sends[0])
	}
	if !p.Ledger().Contains("OUT-1") {
		t.Error("reply id not recorded in ledger")
	}
	if gotReq.Phone != "15551234567" || gotReq.Text != "hello" || gotReq.PushName != "Ann" {
		t.Errorf("backend request = %+v", gotReq)
	}

	// The echo of our own reply must not reach the backend.
	if p.Dispatch(context.Background(), s, dm("OUT-1", "15551234567", "hi there")) {
		t.Error("self-echo was dispatched")
	}
	p.Wait()
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
}

func TestBackendTimeoutSendsFallback(t *testing.T) {
	p := New(Options{
		Timeout:  30 * time.Millisecond,
		Fallback: "sorry",
		Backend: backendFunc(func(ctx context.Context, req Request) (string, error) {
			time.Sleep(time.Second) // ignores ctx on purpose
			return "too late", nil
		}),
	})
	s := &fakeSender{}

	start := time.Now()
	p.Handle(context.Background(), s, dm("IN-1", "1", "hello"))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Handle took %v despite 30ms timeout", elapsed)
	}

	sends := s.snapshot()
	if len(sends) != 1 || sends[0].text != "sorry" {
		t.Fatalf("expected fallback reply, got %+v", sends)
	}
}

func TestBackendErrorAndEmptyReplyUseFallback(t *testing.T) {
	for name, backend := range map[string]Backend{
		"error": backendFunc(func(context.Context, Request) (string, error) { return "", errors.New("boom") }),
		"empty": backendFunc(func(context.Context, Request) (string, error) { return "  ", nil }),
		"panic": backendFunc(func(context.Context, Request) (string, error) { panic("bad backend") }),
	} {
		t.Run(name, func(t *testing.T) {
			p := New(Options{Backend: backend})
			s := &fakeSender{}
			p.Handle(context.Background(), s, dm("IN-1", "1", "hello"))
			sends := s.snapshot()
			if len(sends) != 1 || sends[0].text != DefaultFallback {
				t.Errorf("expected default fallback, got %+v", sends)
			}
		})
	}
}

func TestAlternateSendPath(t *testing.T) {
	p := New(Options{Backend: backendFunc(func(context.Context, Request) (string, error) { return "ok", nil })})

	s := &fakeSender{replyErr: errors.New("quote rejected")}
	p.Handle(context.Background(), s, dm("IN-1", "15551234567", "hello"))
	sends := s.snapshot()
	if len(sends) != 1 || sends[0].reply || sends[0].to != "15551234567" {
		t.Fatalf("expected one plain fallback send, got %+v", sends)
	}
	if !p.Ledger().Contains("OUT-1") {
		t.Error("alternate send id not recorded")
	}

	// Both paths failing is logged, not propagated.
	s = &fakeSender{replyErr: errors.New("x"), textErr: errors.New("y")}
	p.Handle(context.Background(), s, dm("IN-2", "15551234567", "hello"))
	if len(s.snapshot()) != 0 {
		t.Error("unexpected send when both paths fail")
	}
}

func TestSameSenderSerialized(t *testing.T) {
	var inFlight, maxInFlight int32
	p := New(Options{Backend: backendFunc(func(ctx context.Context, req Request) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	})})
	s := &fakeSender{}

	for i := 0; i < 4; i++ {
		p.Dispatch(context.Background(), s, dm(fmt.Sprintf("IN-%d", i), "15551234567", "hello"))
	}
	p.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max in-flight for one sender = %d, want 1", got)
	}
	if len(s.snapshot()) != 4 {
		t.Errorf("expected 4 replies, got %d", len(s.snapshot()))
	}
}

func TestDifferentSendersRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	p := New(Options{Backend: backendFunc(func(ctx context.Context, req Request) (string, error) {
		started <- req.Phone
		<-release
		return "ok", nil
	})})
	s := &fakeSender{}

	p.Dispatch(context.Background(), s, dm("A", "111", "slow"))
	p.Dispatch(context.Background(), s, dm("B", "222", "fast"))

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("second sender blocked behind the first")
		}
	}
	close(release)
	p.Wait()
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Phone == "500" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": "echo: " + req.Text})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "key")
	got, err := b.Reply(context.Background(), Request{Phone: "1", Text: "hi", PushName: "Ann"})
	if err != nil || got != "echo: hi" {
		t.Fatalf("Reply = %q, %v", got, err)
	}

	if _, err := b.Reply(context.Background(), Request{Phone: "500", Text: "hi"}); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable for 500, got %v", err)
	}

	bad := NewHTTPBackend(srv.URL, "wrong")
	if _, err := bad.Reply(context.Background(), Request{Phone: "1", Text: "hi"}); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable for 401, got %v", err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	b := NewBreakerBackend(backendFunc(func(context.Context, Request) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", fmt.Errorf("%w: down", ErrBackendUnavailable)
	}), BreakerOptions{Failures: 2, OpenFor: time.Hour})

	for i := 0; i < 4; i++ {
		if _, err := b.Reply(context.Background(), Request{Phone: "1"}); !errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("backend called %d times, want 2", n)
	}
	if b.State() != "open" {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreakerBackend(backendFunc(func(ctx context.Context, _ Request) (string, error) {
		return "", ctx.Err()
	}), BreakerOptions{Failures: 1, OpenFor: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		b.Reply(ctx, Request{Phone: "1"}) //nolint:errcheck
	}
	if b.State() != "closed" {
		t.Errorf("state = %s, want closed", b.State())
	}

	ok := NewBreakerBackend(backendFunc(func(context.Context, Request) (string, error) {
		return "hi", nil
	}), BreakerOptions{})
	if got, err := ok.Reply(context.Background(), Request{}); err != nil || got != "hi" {
		t.Errorf("Reply = %q, %v", got, err)
	}
}

func TestBreakerIgnoresCancelledHTTPCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	b := NewBreakerBackend(NewHTTPBackend(srv.URL, "key"), BreakerOptions{Failures: 1, OpenFor: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := b.Reply(ctx, Request{Phone: "1", Text: "hi"})
	if !errors.Is(err, ErrBackendUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want backend unavailable wrapping context.Canceled", err)
	}
	if b.State() != "closed" {
		t.Errorf("state after cancelled call = %s, want closed", b.State())
	}
}
