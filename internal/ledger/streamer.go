package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lexcomply/ledger/internal/canonical"
)

// Export stream statuses persisted per entry. The database is the source of
// truth for retries: anything left pending or reclaimed from in_progress gets
// picked up by a later poll.
const (
	exportPending    = "pending"
	exportInProgress = "in_progress"
	exportDone       = "done"
)

// exportReclaimAfter is how long an in_progress claim may sit unresolved
// before a later poll may reclaim it. A streamer that crashes between
// claiming and marking leaves its claims behind; this cutoff returns them to
// the queue.
const exportReclaimAfter = 5 * time.Minute

// Producer is the small subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (producedAt time.Time, err error)
	Close() error
}

// ExportStore is the claim/ack surface the streamer drives. Both MemoryStore
// and PGStore implement it alongside Store.
type ExportStore interface {
	Store

	// FetchPendingExports claims up to limit committed entries awaiting
	// export, moving them to in_progress.
	FetchPendingExports(ctx context.Context, limit int) ([]*AuditEntry, error)

	// MarkExportResult records the outcome of one export attempt; failures
	// become pending again for a later poll.
	MarkExportResult(ctx context.Context, entryID, archiveKey string, ok bool, errMsg string) error
}

// StreamerConfig configures the durable DB-first export streamer.
type StreamerConfig struct {
	// BatchSize is how many entries to claim per poll.
	BatchSize int

	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed entries.
	MaxConcurrency int
}

// Streamer exports committed entries out of the ledger: each claimed entry is
// produced to Kafka as its canonical envelope (keyed by tenant for per-tenant
// ordering) and archived to object storage, then marked done so the store
// remains the source of truth for retries. Entries are immutable once
// committed, so export can lag or retry freely without consistency concerns.
type Streamer struct {
	store    ExportStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer. Zero cfg fields get defaults.
func NewStreamer(store ExportStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run polls for pending work until ctx is cancelled, processing batches with
// bounded concurrency. Safe to run in a goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[ledger.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[ledger.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.store.FetchPendingExports(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[ledger.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, e := range entries {
			select {
			case <-ctx.Done():
			default:
			}

			sem <- struct{}{}
			s.wg.Add(1)
			go func(e *AuditEntry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, e); err != nil {
					// processEntry already marked the DB result; just log.
					log.Printf("[ledger.streamer] entry %s: %v", e.EntryID, err)
				}
			}(e)
		}

		// Drain the batch before claiming more, keeping per-batch ordering.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEntry performs the produce -> archive sequence for one entry and
// records the result.
func (s *Streamer) processEntry(parentCtx context.Context, e *AuditEntry) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.Marshal(exportEnvelope(e))
	if err != nil {
		_ = s.store.MarkExportResult(parentCtx, e.EntryID, "", false, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	// Key on tenant so a tenant's exports land on one partition, in order.
	if _, err := s.producer.Produce(ctx, []byte(e.TenantID), canonBytes); err != nil {
		_ = s.store.MarkExportResult(parentCtx, e.EntryID, "", false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archiveKey string
	if s.archiver != nil {
		key, err := s.archiver.ArchiveEntry(ctx, e)
		if err != nil {
			_ = s.store.MarkExportResult(parentCtx, e.EntryID, "", false, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
		archiveKey = key
	}

	if err := s.store.MarkExportResult(parentCtx, e.EntryID, archiveKey, true, ""); err != nil {
		return fmt.Errorf("mark export success: %w", err)
	}
	return nil
}
