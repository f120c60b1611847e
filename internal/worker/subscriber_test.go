package worker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelock-gifts/internal/contracts/giftlock"
	"github.com/timelock-gifts/internal/storage"
)

type fakeSource struct {
	mu         sync.Mutex
	head       uint64
	logs       []*giftlock.FundsLockedEvent
	watchErr   error
	watchCalls int
	filtered   [][2]uint64
	events     chan *giftlock.FundsLockedEvent
	errs       chan error
}

func (f *fakeSource) WatchFundsLocked(ctx context.Context) (<-chan *giftlock.FundsLockedEvent, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls++
	if f.watchErr != nil {
		return nil, nil, f.watchErr
	}
	f.events = make(chan *giftlock.FundsLockedEvent, 10)
	f.errs = make(chan error, 1)
	return f.events, f.errs, nil
}

func (f *fakeSource) FilterFundsLocked(ctx context.Context, from, to uint64) ([]*giftlock.FundsLockedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filtered = append(f.filtered, [2]uint64{from, to})
	var out []*giftlock.FundsLockedEvent
	for _, ev := range f.logs {
		if ev.BlockNum >= from && ev.BlockNum <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchCalls
}

func (f *fakeSource) live() (chan *giftlock.FundsLockedEvent, chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events, f.errs
}

type recordingHandler struct {
	mu     sync.Mutex
	blocks []uint64
}

func (h *recordingHandler) HandleFundsLocked(ctx context.Context, ev *giftlock.FundsLockedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks = append(h.blocks, ev.BlockNum)
	return nil
}

func (h *recordingHandler) seen() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.blocks...)
}

func event(block uint64) *giftlock.FundsLockedEvent {
	return &giftlock.FundsLockedEvent{
		GiftID:   giftlock.GiftID("GIFT-TEST0001"),
		Amount:   big.NewInt(1),
		TxHash:   crypto.Keccak256Hash(big.NewInt(int64(block)).Bytes()),
		BlockNum: block,
	}
}

func newCheckpoints(t *testing.T) *storage.CheckpointStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewCheckpointStore(storage.NewRedisCacheFromClient(client))
}

func newSubscriber(t *testing.T, source *fakeSource, handler *recordingHandler, checkpoints *storage.CheckpointStore) *EventSubscriber {
	t.Helper()
	sub, err := NewEventSubscriber(&SubscriberConfig{
		Source:         source,
		Handler:        handler,
		Checkpoints:    checkpoints,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	})
	require.NoError(t, err)
	return sub
}

func TestSubscriberReplaysFromCheckpointThenFollows(t *testing.T) {
	ctx := context.Background()
	checkpoints := newCheckpoints(t)
	require.NoError(t, checkpoints.SaveBlock(ctx, checkpointName, 100))

	source := &fakeSource{head: 150, logs: []*giftlock.FundsLockedEvent{event(90), event(120), event(140)}}
	handler := &recordingHandler{}
	sub := newSubscriber(t, source, handler, checkpoints)

	require.NoError(t, sub.Start(ctx))
	t.Cleanup(func() { _ = sub.Stop(ctx) })

	require.Eventually(t, func() bool { return len(handler.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{120, 140}, handler.seen())

	require.Eventually(t, func() bool {
		block, err := checkpoints.LastBlock(ctx, checkpointName)
		return err == nil && block == 150
	}, time.Second, 5*time.Millisecond)

	events, _ := source.live()
	events <- event(155)
	require.Eventually(t, func() bool { return len(handler.seen()) == 3 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		block, err := checkpoints.LastBlock(ctx, checkpointName)
		return err == nil && block == 154
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sub.Status().Running)
}

func TestSubscriberStartsAtHeadWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	checkpoints := newCheckpoints(t)
	source := &fakeSource{head: 500, logs: []*giftlock.FundsLockedEvent{event(10)}}
	handler := &recordingHandler{}
	sub := newSubscriber(t, source, handler, checkpoints)

	require.NoError(t, sub.Start(ctx))
	t.Cleanup(func() { _ = sub.Stop(ctx) })

	require.Eventually(t, func() bool {
		block, err := checkpoints.LastBlock(ctx, checkpointName)
		return err == nil && block == 500
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, handler.seen())
}

func TestSubscriberReplaysInChunks(t *testing.T) {
	ctx := context.Background()
	checkpoints := newCheckpoints(t)
	require.NoError(t, checkpoints.SaveBlock(ctx, checkpointName, 1))
	source := &fakeSource{head: 4500}
	sub := newSubscriber(t, source, &recordingHandler{}, checkpoints)

	require.NoError(t, sub.backfill(ctx))

	assert.Equal(t, [][2]uint64{{2, 2001}, {2002, 4001}, {4002, 4500}}, source.filtered)
}

func TestSubscriberReconnectsAfterStreamError(t *testing.T) {
	ctx := context.Background()
	checkpoints := newCheckpoints(t)
	source := &fakeSource{head: 10}
	sub := newSubscriber(t, source, &recordingHandler{}, checkpoints)

	require.NoError(t, sub.Start(ctx))
	t.Cleanup(func() { _ = sub.Stop(ctx) })
	require.Eventually(t, func() bool { return source.calls() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		calls := source.calls()
		_, errs := source.live()
		errs <- errors.New("websocket: close 1006")
		require.Eventually(t, func() bool { return source.calls() == calls+1 }, time.Second, time.Millisecond)
	}

	// sessions that reached a live stream never exhaust the attempt budget
	assert.True(t, sub.Status().Running)
	assert.Contains(t, sub.Status().LastError, "close 1006")
}

func TestSubscriberGivesUpAfterMaxAttempts(t *testing.T) {
	checkpoints := newCheckpoints(t)
	source := &fakeSource{head: 10, watchErr: errors.New("dial tcp: connection refused")}
	sub := newSubscriber(t, source, &recordingHandler{}, checkpoints)

	err := sub.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3")
	assert.Equal(t, 3, source.calls())
}

func TestSubscriberStopsOnCancel(t *testing.T) {
	checkpoints := newCheckpoints(t)
	source := &fakeSource{head: 10}
	sub := newSubscriber(t, source, &recordingHandler{}, checkpoints)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	require.Eventually(t, func() bool { return source.calls() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
}
