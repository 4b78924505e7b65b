// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"testing"
	"time"
)

func TestMultiplexerIsolatesSids(t *testing.T) {
	m := newMultiplexer(nil, nil)
	subA := m.forSid(nil, "foo", "", "a")
	subB := m.forSid(nil, "bar", "", "b")

	m.deliver(&Message{Subject: "foo", Sid: "a", Payload: []byte("1")})
	m.deliver(&Message{Subject: "bar", Sid: "b", Payload: []byte("2")})

	select {
	case msg := <-subA.Msgs:
		if string(msg.Payload) != "1" {
			t.Fatalf("subA got wrong payload: %q", msg.Payload)
		}
	default:
		t.Fatalf("subA expected a message")
	}
	select {
	case msg := <-subB.Msgs:
		if string(msg.Payload) != "2" {
			t.Fatalf("subB got wrong payload: %q", msg.Payload)
		}
	default:
		t.Fatalf("subB expected a message")
	}
}

func TestMultiplexerDropsUnknownSid(t *testing.T) {
	m := newMultiplexer(nil, nil)
	// deliver with no registered sid must not panic and must be a no-op.
	m.deliver(&Message{Subject: "foo", Sid: "ghost", Payload: []byte("x")})
	if m.count() != 0 {
		t.Fatalf("expected no subscriptions")
	}
}

func TestMultiplexerCapEnforcement(t *testing.T) {
	m := newMultiplexer(nil, nil)
	sub := m.forSid(nil, "foo", "", "a")
	m.setMax("a", 1000)

	for i := 0; i < 1010; i++ {
		m.deliver(&Message{Subject: "foo", Sid: "a", Payload: []byte("x")})
	}

	count := 0
	for range sub.Msgs {
		count++
	}
	if count != 1000 {
		t.Fatalf("expected exactly 1000 delivered messages, got %d", count)
	}
	if err := sub.Err(); err == nil {
		t.Fatalf("expected a SubscriptionMaxMsgsError after cap reached")
	}
	if m.count() != 0 {
		t.Fatalf("expected sid removed once cap is reached")
	}
}

func TestMultiplexerSlowConsumerDropsWithoutBlocking(t *testing.T) {
	var sawSlow *Subscription
	m := newMultiplexer(nil, func(s *Subscription) { sawSlow = s })
	sub := m.forSid(nil, "foo", "", "a")

	// Fill the channel beyond capacity without ever draining it.
	done := make(chan struct{})
	go func() {
		for i := 0; i < maxChanLen+10; i++ {
			m.deliver(&Message{Subject: "foo", Sid: "a", Payload: []byte("x")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("deliver blocked on a full channel instead of dropping")
	}
	if sawSlow != sub {
		t.Fatalf("expected onSlow callback to fire for the slow subscription")
	}
}

func TestMultiplexerRemoveSidClosesChannel(t *testing.T) {
	m := newMultiplexer(nil, nil)
	sub := m.forSid(nil, "foo", "", "a")
	m.removeSid("a")
	if _, ok := <-sub.Msgs; ok {
		t.Fatalf("expected Msgs to be closed after removeSid")
	}
	if sub.IsValid() {
		t.Fatalf("expected subscription to be invalid after removal")
	}
}
