// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestDrainDeliversQueuedMessagesBeforeClosing is grounded on the
// teacher's TestDrain: draining must let every message already queued
// be consumed before the subscription is torn down, unlike a plain
// Unsubscribe which can close the channel out from under a reader.
func TestDrainDeliversQueuedMessagesBeforeClosing(t *testing.T) {
	b := startMockBroker(t)
	defer b.Close()
	c := connectToMock(t, b)
	defer c.Close()

	sub, err := c.Subscribe("drainable")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const total = 100
	for i := 0; i < total; i++ {
		if err := c.Publish("drainable", []byte("x")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	waitFor(t, time.Second, 10*time.Millisecond, func() error {
		pending, _, _ := sub.Pending()
		if pending < total {
			return errNotYet
		}
		return nil
	})

	if err := sub.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	var received int32
	done := make(chan struct{})
	go func() {
		for range sub.Msgs {
			atomic.AddInt32(&received, 1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not close the channel in time")
	}
	if int(atomic.LoadInt32(&received)) != total {
		t.Fatalf("expected %d drained messages, got %d", total, received)
	}
}

func TestDrainOnInvalidSubscriptionFails(t *testing.T) {
	b := startMockBroker(t)
	defer b.Close()
	c := connectToMock(t, b)
	defer c.Close()

	sub, err := c.Subscribe("once")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, time.Second, 10*time.Millisecond, func() error {
		if sub.IsValid() {
			return errNotYet
		}
		return nil
	})
	if err := sub.Drain(); err == nil {
		t.Fatalf("expected Drain on an already-unsubscribed subscription to fail")
	}
}
