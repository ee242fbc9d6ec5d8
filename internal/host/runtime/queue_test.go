package runtime

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewMessageQueue()
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		if !q.Push(msg) {
			t.Fatalf("Push(%q) on open queue returned false", msg)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Expected 3 queued messages, got %d", q.Len())
	}

	for _, want := range []string{"first", "second", "third"} {
		got, ok := q.Pop(ctx)
		if !ok || got != want {
			t.Errorf("Pop() = %q, %v; want %q, true", got, ok, want)
		}
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := NewMessageQueue()
	ctx := context.Background()

	result := make(chan string, 1)
	go func() {
		msg, ok := q.Pop(ctx)
		if !ok {
			result <- "<closed>"
			return
		}
		result <- msg
	}()

	// Give the consumer a moment to block
	time.Sleep(10 * time.Millisecond)
	q.Push("wake up")

	select {
	case got := <-result:
		if got != "wake up" {
			t.Errorf("Expected blocked Pop to receive pushed message, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after Push")
	}
}

func TestCloseUnblocksAndDrains(t *testing.T) {
	q := NewMessageQueue()
	ctx := context.Background()

	q.Push("leftover")
	q.Close()

	// Close drains remaining items first, then reports done
	msg, ok := q.Pop(ctx)
	if !ok || msg != "leftover" {
		t.Fatalf("Expected queued message before done, got %q, %v", msg, ok)
	}
	if _, ok := q.Pop(ctx); ok {
		t.Error("Expected done after drain")
	}

	if q.Push("late") {
		t.Error("Push after Close must report false")
	}

	// Idempotent
	q.Close()
	if !q.Closed() {
		t.Error("Expected Closed() true")
	}
}

func TestCloseUnblocksWaitingConsumer(t *testing.T) {
	q := NewMessageQueue()
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Expected ok=false from Pop on closed empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after Close")
	}
}

func TestContextCancelUnblocksPop(t *testing.T) {
	q := NewMessageQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("Expected ok=false from cancelled Pop")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after cancellation")
	}

	// Cancellation is not Close: the queue still accepts input
	if !q.Push("still open") {
		t.Error("Expected queue to stay open after a cancelled Pop")
	}
}
