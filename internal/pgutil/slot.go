package pgutil

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
)

// ErrReplicationSlotNotFound is returned by LocateSlot when neither
// candidate slot name exists with the wal2json plugin.
var ErrReplicationSlotNotFound = errors.New("replication slot not found")

const defaultSlotPrefix = "pipelinewise"

// GenerateSlotName builds the canonical replication slot name:
// "{prefix}_{db}[_{tapID}]", lowercased, with any character outside
// [a-z0-9_] replaced by '_', truncated to 64 bytes.
func GenerateSlotName(db, tapID, prefix string) string {
	if prefix == "" {
		prefix = defaultSlotPrefix
	}
	name := prefix + "_" + db
	if tapID != "" {
		name += "_" + tapID
	}
	name = strings.ToLower(name)
	name = sanitizeSlotName(name)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func sanitizeSlotName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Querier is the minimal query surface LocateSlot needs; satisfied by
// *pgx.Conn.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// LocateSlot tries "{prefix}_{db}_{tapID}" first, then "{prefix}_{db}",
// returning the first one that exists with the wal2json plugin. Grounded on
// locate_replication_slot in logical_replication.py, generalized to the
// two-candidate lookup spec.md §4.5 describes.
func LocateSlot(ctx context.Context, q Querier, db, tapID, prefix string) (string, error) {
	var candidates []string
	if tapID != "" {
		candidates = append(candidates, GenerateSlotName(db, tapID, prefix))
	}
	candidates = append(candidates, GenerateSlotName(db, "", prefix))

	for _, name := range candidates {
		exists, err := slotExists(ctx, q, name)
		if err != nil {
			return "", err
		}
		if exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrReplicationSlotNotFound, candidates)
}

func slotExists(ctx context.Context, q Querier, slotName string) (bool, error) {
	var count int
	err := q.QueryRow(ctx,
		"SELECT count(*) FROM pg_replication_slots WHERE slot_name = $1 AND plugin = $2",
		slotName, "wal2json",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("querying pg_replication_slots for %q: %w", slotName, err)
	}
	return count == 1, nil
}
