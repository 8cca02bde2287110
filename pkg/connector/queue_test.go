// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestChannelQueue_OrderWithinChannel(t *testing.T) {
	t.Parallel()
	q := newChannelQueue(context.Background(), zerolog.Nop())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		q.Push("C1", func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Wait()

	if len(got) != 50 {
		t.Fatalf("ran %d jobs, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

func TestChannelQueue_ChannelsRunConcurrently(t *testing.T) {
	t.Parallel()
	q := newChannelQueue(context.Background(), zerolog.Nop())

	blocked := make(chan struct{})
	release := make(chan struct{})
	q.Push("C1", func(context.Context) {
		close(blocked)
		<-release
	})
	<-blocked

	done := make(chan struct{})
	q.Push("C2", func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("C2 was blocked by C1")
	}
	close(release)
	q.Wait()
}

func TestChannelQueue_PanicDoesNotStopChannel(t *testing.T) {
	t.Parallel()
	q := newChannelQueue(context.Background(), zerolog.Nop())

	ran := false
	q.Push("C1", func(context.Context) { panic("boom") })
	q.Push("C1", func(context.Context) { ran = true })
	q.Wait()

	if !ran {
		t.Error("job after a panic did not run")
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.queues) != 0 {
		t.Errorf("idle queues left behind: %v", q.queues)
	}
}

func TestChannelQueue_PassesContext(t *testing.T) {
	t.Parallel()
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")
	q := newChannelQueue(ctx, zerolog.Nop())

	var got any
	q.Push("C1", func(ctx context.Context) { got = ctx.Value(key{}) })
	q.Wait()
	if got != "value" {
		t.Errorf("context value: got %v", got)
	}
}
