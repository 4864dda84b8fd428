package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	logx "questbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  map[string]string
	fail  map[string]bool
	calls int
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[string]string{}, fail: map[string]bool{}}
}

func (f *fakeSender) SendDirect(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[recipient] {
		return errors.New("delivery refused")
	}
	f.sent[recipient] = text
	return nil
}

func TestNotifyDeliversPerRecipient(t *testing.T) {
	sender := newFakeSender()
	s := New(Config{RatePerSec: 100}, sender, logx.Nop())

	s.Notify(context.Background(), []string{"a", "b", "c"}, func(r string) (string, error) {
		return "hello " + r, nil
	})

	if sender.calls != 3 {
		t.Fatalf("calls = %d", sender.calls)
	}
	var got []string
	for r, text := range sender.sent {
		if text != "hello "+r {
			t.Errorf("recipient %s got %q", r, text)
		}
		got = append(got, r)
	}
	sort.Strings(got)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("recipients = %v", got)
	}
}

func TestNotifyContinuesPastFailures(t *testing.T) {
	sender := newFakeSender()
	sender.fail["b"] = true
	s := New(Config{RatePerSec: 100}, sender, logx.Nop())

	s.Notify(context.Background(), []string{"a", "b", "c"}, func(r string) (string, error) {
		if r == "c" {
			return "", errors.New("render failed")
		}
		return "msg", nil
	})

	// b's send and c's render fail, a still goes out. All were attempted.
	if _, ok := sender.sent["a"]; !ok {
		t.Error("a was not delivered")
	}
	if _, ok := sender.sent["b"]; ok {
		t.Error("failed recipient recorded as delivered")
	}
	if _, ok := sender.sent["c"]; ok {
		t.Error("unrenderable message was sent")
	}
}

func TestNotifyNoSenderNoRecipients(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	s.Notify(context.Background(), []string{"a"}, func(string) (string, error) { return "x", nil })

	sender := newFakeSender()
	s = New(Config{}, sender, logx.Nop())
	s.Notify(context.Background(), nil, func(string) (string, error) { return "x", nil })
	if sender.calls != 0 {
		t.Fatalf("calls = %d for empty batch", sender.calls)
	}
}

func TestNotifyStopsOnCanceledContext(t *testing.T) {
	sender := newFakeSender()
	s := New(Config{RatePerSec: 100}, sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Notify(ctx, []string{"a", "b"}, func(r string) (string, error) { return "msg", nil })
	if len(sender.sent) != 0 {
		t.Fatalf("sends happened after cancellation: %v", sender.sent)
	}
}
