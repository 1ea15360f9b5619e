// Package worker implements the durability compactor: a pool of processes
// that drain idle room streams into object-storage snapshots without
// losing writes or double-compacting a room. The loop's shape (merge,
// persist, trim, delete-if-empty) follows the same ticker-driven
// merge-then-persist-then-trim pattern as a single-process periodic
// compactor, generalized from a local poll into a Redis-consumer-group
// claim loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/latticesync/collab/internal/docapi"
	"github.com/latticesync/collab/internal/gatewayerr"
	"github.com/latticesync/collab/internal/redisstream"
	"github.com/latticesync/collab/internal/storage"
)

// Config bundles the timing knobs for the compaction loop.
// RedisMinMessageLifetime comes from internal/config (the claim TTL,
// RedisWorkerTimeout, is applied by redisstream.Config.ClaimMinIdle instead);
// PollInterval governs how finely the drain wait rechecks ownership and
// elapsed age.
type Config struct {
	RedisMinMessageLifetime time.Duration
	PollInterval            time.Duration
}

// DefaultConfig matches internal/config's defaults.
func DefaultConfig() Config {
	return Config{
		RedisMinMessageLifetime: 10 * time.Second,
		PollInterval:            500 * time.Millisecond,
	}
}

// Worker runs the single-loop compactor. One process may run several
// Workers concurrently; each claims tasks under its own consumer ID so
// Redis enforces exclusivity across them.
type Worker struct {
	consumer string
	stream   redisstream.StreamClient
	storage  storage.Storage
	api      *docapi.Client
	cfg      Config
}

// New returns a Worker identified by consumer, which must be unique across
// every worker process and goroutine sharing the same Redis consumer group.
func New(consumer string, stream redisstream.StreamClient, st storage.Storage, api *docapi.Client, cfg Config) *Worker {
	return &Worker{consumer: consumer, stream: stream, storage: st, api: api, cfg: cfg}
}

// Run loops until ctx is cancelled, claiming and compacting one room per
// iteration. A claim miss (no task within workerBlockMs) or a transient
// per-task error simply continues the loop; neither is fatal to the
// process, so one bad room never stalls compaction of the rest.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.stream.ClaimNextTask(ctx, w.consumer)
		if err != nil {
			if errors.Is(err, gatewayerr.ErrTransient) {
				log.Printf("worker %s: claim failed (will retry): %v", w.consumer, err)
				continue
			}
			log.Printf("worker %s: claim failed with a non-transient error, backing off: %v", w.consumer, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if task == nil {
			continue
		}

		if err := w.compact(ctx, task); err != nil {
			log.Printf("worker %s: compaction of %s aborted: %v", w.consumer, task.RoomKey, err)
		}
	}
}

// RunOnce claims and compacts exactly one task, or reports ok=false if none
// was available. It exists so tests can drive the loop deterministically.
func (w *Worker) RunOnce(ctx context.Context) (ok bool, err error) {
	task, err := w.stream.ClaimNextTask(ctx, w.consumer)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.compact(ctx, task)
}

var errTaskStolen = fmt.Errorf("worker: task claim expired before redisMinMessageLifetime elapsed")

// compact runs the claim -> drain -> merge -> persist -> trim -> ack
// sequence for one claimed task.
func (w *Worker) compact(ctx context.Context, task *redisstream.Task) error {
	k := task.RoomKey

	n, err := w.stream.StreamLen(ctx, k)
	if err != nil {
		return fmt.Errorf("worker: stream length for %s: %w", k, err)
	}
	if n == 0 {
		return w.stream.AckTask(ctx, task)
	}

	tail, err := w.tailID(ctx, k)
	if err != nil {
		return err
	}

	if err := w.waitForDrain(ctx, task, tail); err != nil {
		return err
	}

	doc, err := w.api.GetDoc(ctx, k)
	if err != nil {
		if errors.Is(err, gatewayerr.ErrDataInvariant) {
			log.Printf("ALERT worker %s: quarantining %s, data invariant violated: %v", w.consumer, k, err)
			if qerr := w.storage.WriteQuarantineMarker(ctx, k.Room, k.Docid, err.Error()); qerr != nil {
				return fmt.Errorf("worker: write quarantine marker for %s: %w", k, qerr)
			}
			return nil
		}
		return fmt.Errorf("worker: getDoc for %s: %w", k, err)
	}

	ref, err := w.storage.PersistDoc(ctx, k.Room, k.Docid, doc.Merged)
	if err != nil {
		return fmt.Errorf("worker: persistDoc for %s: %w", k, err)
	}

	if err := w.storage.DeleteReferences(ctx, k.Room, k.Docid, doc.References); err != nil {
		// Best-effort: log and let the next compaction retry.
		log.Printf("worker %s: deleteReferences for %s left orphans: %v", w.consumer, k, err)
	}

	if err := w.stream.TrimStream(ctx, k, redisstream.NextID(tail)); err != nil {
		return fmt.Errorf("worker: trim %s: %w", k, err)
	}
	remaining, err := w.stream.StreamLen(ctx, k)
	if err != nil {
		return fmt.Errorf("worker: post-trim length for %s: %w", k, err)
	}
	if remaining == 0 {
		if err := w.stream.DeleteStream(ctx, k); err != nil {
			return fmt.Errorf("worker: delete stream %s: %w", k, err)
		}
	}

	log.Printf("worker %s: compacted %s into %s (%s persisted, %s now draining)",
		w.consumer, k, ref.Key, humanize.Bytes(uint64(len(doc.Merged))), humanize.Comma(remaining))

	return w.stream.AckTask(ctx, task)
}

func (w *Worker) tailID(ctx context.Context, k redisstream.RoomKey) (string, error) {
	entries, err := w.stream.RangeAll(ctx, k)
	if err != nil {
		return "", fmt.Errorf("worker: range %s: %w", k, err)
	}
	if len(entries) == 0 {
		return "0", nil
	}
	return entries[len(entries)-1].ID, nil
}

// waitForDrain blocks until tail is old enough that concurrent publishers
// and subscribers have had time to observe it, aborting if a peer's
// XAUTOCLAIM has stolen the task in the meantime.
func (w *Worker) waitForDrain(ctx context.Context, task *redisstream.Task, tail string) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if redisstream.EntryAge(tail) >= w.cfg.RedisMinMessageLifetime {
			return nil
		}

		owned, err := w.stream.TaskStillOwned(ctx, task, w.consumer)
		if err != nil {
			return fmt.Errorf("worker: ownership check for %s: %w", task.RoomKey, err)
		}
		if !owned {
			return errTaskStolen
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
