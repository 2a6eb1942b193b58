package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hydrochat/internal/state"
)

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore(time.Minute, 10)
	ctx := context.Background()

	st := state.New("conv-1", time.Now())
	st.Intent = state.IntentCreatePatient
	require.NoError(t, store.Put(ctx, st))

	got, ok, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.IntentCreatePatient, got.Intent)
}

func TestMemoryStoreMissIsNotError(t *testing.T) {
	store := NewMemoryStore(time.Minute, 10)
	_, ok, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore(50*time.Millisecond, 10)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, state.New("conv-1", time.Now())))
	time.Sleep(120 * time.Millisecond)

	_, ok, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, ok, "expired entry must read as fresh miss")
}

func TestMemoryStoreZeroTTLNeverLeaks(t *testing.T) {
	store := NewMemoryStore(0, 10)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, state.New("conv-1", time.Now())))
	_, ok, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, ok, "ttl=0 expires immediately after the request")
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	store := NewMemoryStore(time.Minute, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Put(ctx, state.New(fmt.Sprintf("conv-%d", i), time.Now())))
	}
	// Touch conv-1 so conv-2 becomes least recently used.
	_, ok, _ := store.Get(ctx, "conv-1")
	require.True(t, ok)

	require.NoError(t, store.Put(ctx, state.New("conv-4", time.Now())))

	_, ok, _ = store.Get(ctx, "conv-2")
	require.False(t, ok, "least-recently-touched entry evicted")
	_, ok, _ = store.Get(ctx, "conv-1")
	require.True(t, ok)
	require.GreaterOrEqual(t, store.Stats().Evictions, int64(1))
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore(time.Minute, 10)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, state.New("conv-1", time.Now())))
	require.NoError(t, store.Delete(ctx, "conv-1"))

	_, ok, _ := store.Get(ctx, "conv-1")
	require.False(t, ok)
}

func TestMemoryStoreIsolationAcrossConversations(t *testing.T) {
	store := NewMemoryStore(time.Minute, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conv-%d", n)
			st := state.New(id, time.Now())
			st.Slots["first_name"] = id
			require.NoError(t, store.Put(ctx, st))
			got, ok, err := store.Get(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, id, got.Slots["first_name"])
		}(i)
	}
	wg.Wait()
}

func TestLocksSerializeSameConversation(t *testing.T) {
	locks := NewLocks()

	var order []int
	var mu sync.Mutex
	release := locks.Acquire("conv-1")

	done := make(chan struct{})
	go func() {
		r := locks.Acquire("conv-1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		r()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release()
	<-done

	require.Equal(t, []int{1, 2}, order)
}

func TestLocksIndependentConversationsDoNotBlock(t *testing.T) {
	locks := NewLocks()
	release := locks.Acquire("conv-1")
	defer release()

	acquired := make(chan struct{})
	go func() {
		r := locks.Acquire("conv-2")
		r()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("independent conversation blocked")
	}
}

func TestLocksEntriesReclaimed(t *testing.T) {
	locks := NewLocks()
	release := locks.Acquire("conv-1")
	require.Equal(t, 1, locks.Pending())
	release()
	require.Equal(t, 0, locks.Pending())
}
