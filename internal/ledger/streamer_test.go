package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages []producedMessage
	fail     bool
	closed   bool
}

type producedMessage struct {
	key   string
	value []byte
}

func (p *fakeProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return time.Time{}, errors.New("broker unreachable")
	}
	p.messages = append(p.messages, producedMessage{key: string(key), value: append([]byte(nil), value...)})
	return time.Now(), nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (a *recordingArchiver) ArchiveEntry(ctx context.Context, e *AuditEntry) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return "", errors.New("bucket unavailable")
	}
	key := "archive/" + e.TenantID + "/" + e.EntryID + ".json"
	a.keys = append(a.keys, key)
	return key, nil
}

func TestProcessEntryProducesCanonicalEnvelope(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 1)

	producer := &fakeProducer{}
	archiver := &recordingArchiver{}
	streamer := NewStreamer(store, producer, archiver, StreamerConfig{})

	require.NoError(t, streamer.processEntry(context.Background(), committed[0]))

	require.Equal(t, 1, producer.count())
	msg := producer.messages[0]
	require.Equal(t, "acme", msg.key, "messages are keyed by tenant")

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.value, &envelope))
	require.Equal(t, committed[0].EntryID, envelope["entryId"])
	require.Equal(t, committed[0].CurrentHash, envelope["currentHash"])
	require.Equal(t, SentinelHash, envelope["previousHash"])
	require.EqualValues(t, 1, envelope["seq"])

	require.Len(t, archiver.keys, 1)

	// Claim queue is drained: the entry is marked done.
	pending, err := store.FetchPendingExports(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestProcessEntryProduceFailureStaysPending(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 1)

	producer := &fakeProducer{fail: true}
	streamer := NewStreamer(store, producer, nil, StreamerConfig{})

	err := streamer.processEntry(context.Background(), committed[0])
	require.Error(t, err)

	// The entry is pending again and claimable by a later poll.
	pending, err := store.FetchPendingExports(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, committed[0].EntryID, pending[0].EntryID)
}

func TestProcessEntryArchiveFailureStaysPending(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 1)

	producer := &fakeProducer{}
	archiver := &recordingArchiver{fail: true}
	streamer := NewStreamer(store, producer, archiver, StreamerConfig{})

	err := streamer.processEntry(context.Background(), committed[0])
	require.Error(t, err)

	pending, err := store.FetchPendingExports(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestFetchPendingExportsClaimsOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 3)
	ctx := context.Background()

	first, err := store.FetchPendingExports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, committed[0].EntryID, first[0].EntryID)
	require.Equal(t, committed[1].EntryID, first[1].EntryID)

	// Claimed entries are in_progress and not handed out again.
	second, err := store.FetchPendingExports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, committed[2].EntryID, second[0].EntryID)
}

func TestFetchPendingExportsReclaimsAbandonedClaims(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 1)
	ctx := context.Background()

	claimed, err := store.FetchPendingExports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A fresh claim stays exclusive.
	again, err := store.FetchPendingExports(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	// A claim whose holder crashed (never marked a result) ages out and is
	// handed to the next poll.
	store.mu.Lock()
	store.exportClaims[committed[0].EntryID] = time.Now().Add(-2 * exportReclaimAfter)
	store.mu.Unlock()

	reclaimed, err := store.FetchPendingExports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, committed[0].EntryID, reclaimed[0].EntryID)
}

func TestStreamerRunDrainsBacklog(t *testing.T) {
	store := NewMemoryStore()
	buildChain(t, store, "acme", 3)

	producer := &fakeProducer{}
	streamer := NewStreamer(store, producer, nil, StreamerConfig{BatchSize: 2, PollInterval: 5 * time.Millisecond, MaxConcurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- streamer.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for producer.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("backlog not drained: produced %d of 3", producer.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	producer.mu.Lock()
	defer producer.mu.Unlock()
	require.True(t, producer.closed, "producer closed on shutdown")
}
