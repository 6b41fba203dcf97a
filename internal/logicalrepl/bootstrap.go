package logicalrepl

import (
	"context"
	"fmt"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/snapshot"
)

// CurrentLSNFetcher fetches the server's current WAL insert position as the
// bijective integer form, using the version-appropriate query
// (pgutil.CurrentLSNQuery).
type CurrentLSNFetcher interface {
	CurrentLSN(ctx context.Context) (int64, error)
}

// Bootstrap runs the snapshot-then-switch-to-WAL sequence of spec.md §4.5's
// "Bootstrap" rule for one LOG_BASED stream: if the stream has no `lsn`
// bookmark yet, it records the server's current LSN, then snapshots the
// table under that same run's version (reusing snap's FULL_TABLE machinery,
// progress tracked in `xmin`), and only then is the stream ready to join the
// WAL stream at the recorded LSN. `lsn` itself does not advance during the
// snapshot; snap.Run already clears `xmin` on completion. A stream with an
// existing `lsn` bookmark has already bootstrapped and this is a no-op.
func Bootstrap(ctx context.Context, fetcher CurrentLSNFetcher, snap *snapshot.Strategy, store *bookmark.Store, stream *catalog.Stream) error {
	streamID := stream.TapStreamID
	if store.Get(streamID, bookmark.KeyLSN) != nil {
		return nil
	}

	lsn, err := fetcher.CurrentLSN(ctx)
	if err != nil {
		return fmt.Errorf("fetching current lsn to bootstrap %q: %w", streamID, err)
	}
	store.Set(streamID, bookmark.KeyLSN, lsn)

	if err := snap.Run(ctx, stream); err != nil {
		return fmt.Errorf("bootstrap snapshot of %q: %w", streamID, err)
	}
	return nil
}
