package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgproto3/v2"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/logicalrepl"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/pgutil"
)

// currentLSNFetcher adapts a *pgconn.PgConn (or any simple exec surface) to
// logicalrepl.CurrentLSNFetcher, grounded on fetch_current_lsn in
// logical_replication.py.
type currentLSNFetcher struct {
	conn          *pgconn.PgConn
	serverVersion int
}

// NewCurrentLSNFetcher builds the production CurrentLSNFetcher collaborator.
// serverVersion is server_version_num, already queried once at connection
// setup to pick the >= 10 vs legacy pg_current_xlog_location() query form.
func NewCurrentLSNFetcher(conn *pgconn.PgConn, serverVersion int) *currentLSNFetcher {
	return &currentLSNFetcher{conn: conn, serverVersion: serverVersion}
}

func (f *currentLSNFetcher) CurrentLSN(ctx context.Context) (int64, error) {
	result := f.conn.Exec(ctx, pgutil.CurrentLSNQuery(f.serverVersion))
	reader, err := result.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("fetching current lsn: %w", err)
	}
	if len(reader) == 0 || len(reader[0].Rows) == 0 {
		return 0, fmt.Errorf("fetching current lsn: empty result")
	}
	return pgutil.LSNToInt(string(reader[0].Rows[0][0]))
}

// replicationStream adapts a replication-mode *pgconn.PgConn to
// logicalrepl.ReplicationStream, translating jackc/pglogrepl's free
// functions into the poll loop's ReceiveMessage/SendStandbyStatusUpdate
// shape. Grounded on the connection lifecycle in the teacher's capture.go
// (pgconn.ParseConfig + RuntimeParams["replication"]="database") -- the part
// of that file this package's caller (cmd/tap-postgres) reconstructs before
// handing the connection here.
type replicationStream struct {
	conn *pgconn.PgConn
}

// StartLogicalReplication begins streaming from the given slot at startLSN
// (0 for "from the beginning the slot allows"), passing pluginArgs (the
// wal2json options, including the add-tables filter) to the output plugin
// at start, and returns the ReplicationStream the poll loop consumes.
func StartLogicalReplication(ctx context.Context, conn *pgconn.PgConn, slotName string, startLSN int64, pluginArgs []string) (logicalrepl.ReplicationStream, error) {
	err := pglogrepl.StartReplication(ctx, conn, slotName, pglogrepl.LSN(uint64(startLSN)),
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
	if err != nil {
		return nil, fmt.Errorf("starting logical replication on slot %q: %w", slotName, err)
	}
	return &replicationStream{conn: conn}, nil
}

func (s *replicationStream) ReceiveMessage(ctx context.Context, deadline time.Time) (logicalrepl.ReplicationMessage, bool, error) {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	rawMsg, err := s.conn.ReceiveMessage(waitCtx)
	if err != nil {
		if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return logicalrepl.ReplicationMessage{}, false, nil
		}
		return logicalrepl.ReplicationMessage{}, false, fmt.Errorf("receiving replication message: %w", err)
	}

	copyData, ok := rawMsg.(*pgproto3.CopyData)
	if !ok {
		return logicalrepl.ReplicationMessage{}, false, nil
	}

	switch copyData.Data[0] {
	case 'k':
		keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
		if err != nil {
			return logicalrepl.ReplicationMessage{}, false, fmt.Errorf("parsing keepalive: %w", err)
		}
		return logicalrepl.ReplicationMessage{
			IsKeepalive:    true,
			WALStart:       keepalive.ServerWALEnd,
			ReplyRequested: keepalive.ReplyRequested,
		}, true, nil
	case 'w':
		xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
		if err != nil {
			return logicalrepl.ReplicationMessage{}, false, fmt.Errorf("parsing XLogData: %w", err)
		}
		return logicalrepl.ReplicationMessage{
			WALStart: xld.WALStart,
			Data:     xld.WALData,
		}, true, nil
	default:
		return logicalrepl.ReplicationMessage{}, false, nil
	}
}

func (s *replicationStream) SendStandbyStatusUpdate(ctx context.Context, writeLSN, flushLSN pglogrepl.LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: writeLSN,
		WALFlushPosition: flushLSN,
		WALApplyPosition: flushLSN,
		ClientTime:       time.Now(),
	})
}
