package logicalrepl

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
)

// ReplicationMessage is one message off the wire: either a keepalive or a
// chunk of wal2json change data.
type ReplicationMessage struct {
	IsKeepalive    bool
	WALStart       pglogrepl.LSN
	ReplyRequested bool
	Data           []byte
}

// ReplicationStream is the wire-level surface the poll loop needs from a
// PostgreSQL logical replication connection, abstracting jackc/pglogrepl's
// free functions (StartReplication, SendStandbyStatusUpdate,
// ParsePrimaryKeepaliveMessage, ParseXLogData) bound to one *pgconn.PgConn.
// Production wiring lives in the orchestrator package; tests use a fake that
// replays a canned message sequence.
type ReplicationStream interface {
	// ReceiveMessage waits for the next replication message up to deadline.
	// ok is false when the deadline passed with nothing to read, mirroring
	// the original's non-blocking cursor.read_message().
	ReceiveMessage(ctx context.Context, deadline time.Time) (msg ReplicationMessage, ok bool, err error)
	SendStandbyStatusUpdate(ctx context.Context, writeLSN, flushLSN pglogrepl.LSN) error
}

// Runner drives the main LOG_BASED poll loop of spec.md §4.5 across every
// LOG_BASED stream in Catalog, grounded on sync_tables in
// logical_replication.py.
type Runner struct {
	Stream  ReplicationStream
	Catalog *catalog.Catalog
	Store   *bookmark.Store
	Consume *Consumer

	Now func() time.Time

	// UpdateBookmarkPeriod is how many distinct LSNs pass between interim
	// STATE messages; the original's UPDATE_BOOKMARK_PERIOD = 10000.
	UpdateBookmarkPeriod int
	// PollInterval is how often the committed-state file is re-read.
	PollInterval time.Duration
	// LogicalPollTotalSeconds is the idle-timeout: the loop exits if this
	// long passes with no new LSN observed. Default 10800 (3h).
	LogicalPollTotalSeconds int
	// MaxRunSeconds is a hard wall-clock budget; 0 means unlimited.
	MaxRunSeconds int
	// BreakAtEndLSN, when set, stops the loop once a message's LSN exceeds
	// EndLSN -- useful for bounded catch-up runs.
	BreakAtEndLSN bool
	EndLSN        int64

	// CommittedStateReader re-reads the external supervisor's committed
	// state file; defaults to bookmark.ReadCommitted.
	CommittedStateReader func(path string) (*bookmark.Store, error)
	CommittedStatePath   string
}

func (r *Runner) applyDefaults() {
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.UpdateBookmarkPeriod == 0 {
		r.UpdateBookmarkPeriod = 10000
	}
	if r.PollInterval == 0 {
		r.PollInterval = 10 * time.Second
	}
	if r.LogicalPollTotalSeconds == 0 {
		r.LogicalPollTotalSeconds = 10800
	}
	if r.CommittedStateReader == nil {
		r.CommittedStateReader = bookmark.ReadCommitted
	}
}

func (r *Runner) logBasedStreams() []*catalog.Stream {
	var out []*catalog.Stream
	for _, s := range r.Catalog.SelectedStreams() {
		if s.Meta().ReplicationMethod() == catalog.LogBased {
			out = append(out, s)
		}
	}
	return out
}

func minBookmarkLSN(store *bookmark.Store, streams []*catalog.Stream) int64 {
	min := int64(-1)
	for _, s := range streams {
		v, ok := store.Get(s.TapStreamID, bookmark.KeyLSN).(int64)
		if !ok {
			continue
		}
		if min == -1 || v < min {
			min = v
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

func stampLSN(store *bookmark.Store, streams []*catalog.Stream, lsn int64) {
	for _, s := range streams {
		store.Set(s.TapStreamID, bookmark.KeyLSN, lsn)
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Run executes the cooperative poll loop until an idle timeout, a
// max-run-seconds budget, or (if BreakAtEndLSN) the initial current LSN is
// exceeded, then emits a final STATE with every LOG_BASED stream's `lsn`
// bookmark advanced at least to the last committed position.
func (r *Runner) Run(ctx context.Context) error {
	r.applyDefaults()
	streams := r.logBasedStreams()

	lsnCommitted := minBookmarkLSN(r.Store, streams)
	var lsnCurrentlyProcessing *int64
	var lsnLastProcessed *int64
	var lsnToFlush *int64

	start := r.Now()
	lastDataTime := start
	lastPollTime := start
	processedCount := 0

	for {
		now := r.Now()
		if now.Sub(lastDataTime) > time.Duration(r.LogicalPollTotalSeconds)*time.Second {
			logrus.WithField("idle_seconds", now.Sub(lastDataTime).Seconds()).Info("logical replication idle timeout reached")
			break
		}
		if r.MaxRunSeconds > 0 && now.Sub(start) >= time.Duration(r.MaxRunSeconds)*time.Second {
			logrus.Info("logical replication max run seconds reached")
			break
		}

		msg, ok, err := r.Stream.ReceiveMessage(ctx, now.Add(time.Second))
		if err != nil {
			return fmt.Errorf("reading replication message: %w", err)
		}

		if ok {
			dataStart := int64(msg.WALStart)
			if r.BreakAtEndLSN && dataStart > r.EndLSN {
				break
			}

			if !msg.IsKeepalive {
				if err := r.Consume.Consume(ctx, msg.Data, dataStart, now); err != nil {
					return err
				}

				switch {
				case lsnCurrentlyProcessing == nil:
					v := dataStart
					lsnCurrentlyProcessing = &v
					flush := minInt64(lsnCommitted, dataStart)
					lsnToFlush = &flush
					if err := r.sendFeedback(ctx, *lsnToFlush); err != nil {
						return err
					}
				case dataStart > *lsnCurrentlyProcessing:
					lsnLastProcessed = lsnCurrentlyProcessing
					v := dataStart
					lsnCurrentlyProcessing = &v
					lastDataTime = now
					processedCount++
					if processedCount >= r.UpdateBookmarkPeriod {
						stampLSN(r.Store, streams, *lsnLastProcessed)
						if err := r.Store.Emit(r.Consume.Emit); err != nil {
							return err
						}
						processedCount = 0
					}
				}
			}

			if msg.ReplyRequested && lsnToFlush != nil {
				if err := r.sendFeedback(ctx, *lsnToFlush); err != nil {
					return err
				}
			}
		}

		if now.Sub(lastPollTime) >= r.PollInterval {
			if committed, err := r.CommittedStateReader(r.CommittedStatePath); err == nil {
				lsnCommitted = minBookmarkLSN(committed, streams)
				if lsnCurrentlyProcessing != nil && lsnToFlush != nil &&
					*lsnCurrentlyProcessing > lsnCommitted && lsnCommitted > *lsnToFlush {
					lsnToFlush = &lsnCommitted
					if err := r.sendFeedback(ctx, *lsnToFlush); err != nil {
						return err
					}
				}
			}
			lastPollTime = now
		}
	}

	if lsnLastProcessed == nil || *lsnLastProcessed < lsnCommitted {
		lsnLastProcessed = &lsnCommitted
	}
	stampLSN(r.Store, streams, *lsnLastProcessed)
	return r.Store.Emit(r.Consume.Emit)
}

func (r *Runner) sendFeedback(ctx context.Context, lsn int64) error {
	pos := pglogrepl.LSN(uint64(lsn))
	return r.Stream.SendStandbyStatusUpdate(ctx, pos, pos)
}
