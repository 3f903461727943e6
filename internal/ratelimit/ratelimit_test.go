package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterExhaustsAndRecovers(t *testing.T) {
	now := time.Now()
	l := New(3, time.Second)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.CanSend() {
			t.Fatalf("send %d should be allowed", i)
		}
		l.RecordSend()
	}
	if l.CanSend() {
		t.Fatal("fourth send inside the window should be blocked")
	}
	if got := l.Remaining(); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
	if got := l.ResetIn(); got != time.Second {
		t.Fatalf("resetIn = %s, want 1s", got)
	}

	now = now.Add(time.Second)
	if !l.CanSend() {
		t.Fatal("window elapsed; send should be allowed again")
	}
	if got := l.Remaining(); got != 3 {
		t.Fatalf("remaining after window = %d, want 3", got)
	}
	if got := l.ResetIn(); got != 0 {
		t.Fatalf("resetIn after window = %s, want 0", got)
	}
}

func TestLimiterPartialWindow(t *testing.T) {
	now := time.Now()
	l := New(2, time.Minute)
	l.now = func() time.Time { return now }

	l.RecordSend()
	now = now.Add(30 * time.Second)
	l.RecordSend()
	if l.CanSend() {
		t.Fatal("limit reached")
	}
	// only the first send has aged out
	now = now.Add(31 * time.Second)
	if !l.CanSend() {
		t.Fatal("one slot should have freed")
	}
	if got := l.Remaining(); got != 1 {
		t.Fatalf("remaining = %d, want 1", got)
	}
}

func TestLimiterReset(t *testing.T) {
	l := New(1, time.Minute)
	l.RecordSend()
	if l.CanSend() {
		t.Fatal("exhausted")
	}
	l.Reset()
	if !l.CanSend() {
		t.Fatal("reset should clear the window")
	}
}
