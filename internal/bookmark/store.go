// Package bookmark implements the in-memory per-stream state structure that
// every replication strategy reads and mutates, plus the best-effort reader
// for the on-disk "committed state" file that LOG_BASED uses to compute a
// safe flush horizon.
package bookmark

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

// Recognized bookmark keys (spec.md §3).
const (
	KeyVersion                = "version"
	KeyXmin                   = "xmin"
	KeyLSN                    = "lsn"
	KeyReplicationKey         = "replication_key"
	KeyReplicationKeyValue    = "replication_key_value"
	KeyLastReplicationMethod  = "last_replication_method"
)

// Store holds the bookmark map for every stream in the current run.
type Store struct {
	mu        sync.RWMutex
	bookmarks map[string]map[string]interface{}
	// currentlySyncing mirrors the STATE message's currently_syncing marker.
	currentlySyncing *string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{bookmarks: make(map[string]map[string]interface{})}
}

// LoadStore builds a Store from a previously emitted STATE value, as read
// from a `--state` file on process startup.
func LoadStore(value wire.StateValue) *Store {
	s := NewStore()
	for streamID, bm := range value.Bookmarks {
		cp := make(map[string]interface{}, len(bm))
		for k, v := range bm {
			cp[k] = v
		}
		s.bookmarks[streamID] = cp
	}
	s.currentlySyncing = value.CurrentlySyncing
	return s
}

// Get returns a bookmark value, or nil if unset.
func (s *Store) Get(streamID, key string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bm, ok := s.bookmarks[streamID]
	if !ok {
		return nil
	}
	return bm[key]
}

// Set idempotently writes a bookmark key, never touching unrelated keys.
func (s *Store) Set(streamID, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.bookmarks[streamID]
	if !ok {
		bm = make(map[string]interface{})
		s.bookmarks[streamID] = bm
	}
	bm[key] = value
}

// Delete removes a single bookmark key, if present.
func (s *Store) Delete(streamID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bm, ok := s.bookmarks[streamID]; ok {
		delete(bm, key)
	}
}

// Reset deletes every bookmark key for a stream.
func (s *Store) Reset(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bookmarks, streamID)
}

// SetCurrentlySyncing records which stream is actively being synced, or
// clears the marker when streamID is nil.
func (s *Store) SetCurrentlySyncing(streamID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentlySyncing = streamID
}

// Reconcile resets a stream's bookmark when its replication method has
// changed, or (for INCREMENTAL) when its replication key has changed, then
// always records the stream's current replication method. Grounded on
// clear_state_on_replication_change in the original tap's stream_utils.py.
func (s *Store) Reconcile(stream *catalog.Stream, desiredMethod catalog.ReplicationMethod, desiredKey string) {
	streamID := stream.TapStreamID

	lastMethod, _ := s.Get(streamID, KeyLastReplicationMethod).(string)
	if lastMethod != "" && catalog.ReplicationMethod(lastMethod) != desiredMethod {
		logrus.WithFields(logrus.Fields{
			"stream": streamID,
			"from":   lastMethod,
			"to":     desiredMethod,
		}).Info("replication method changed, resetting bookmark")
		s.Reset(streamID)
	}

	if desiredMethod == catalog.Incremental {
		lastKey, _ := s.Get(streamID, KeyReplicationKey).(string)
		if lastKey != "" && lastKey != desiredKey {
			logrus.WithFields(logrus.Fields{
				"stream":  streamID,
				"fromKey": lastKey,
				"toKey":   desiredKey,
			}).Info("replication key changed, resetting bookmark")
			s.Reset(streamID)
		}
		s.Set(streamID, KeyReplicationKey, desiredKey)
	}

	s.Set(streamID, KeyLastReplicationMethod, string(desiredMethod))
}

// Snapshot deep-copies the entire bookmark map, suitable for embedding in a
// STATE message.
func (s *Store) Snapshot() map[string]map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(s.bookmarks))
	for streamID, bm := range s.bookmarks {
		cp := make(map[string]interface{}, len(bm))
		for k, v := range bm {
			cp[k] = v
		}
		out[streamID] = cp
	}
	return out
}

// Emit produces a STATE message containing a deep copy of the entire
// bookmark map and sends it through the given Emitter.
func (s *Store) Emit(out wire.Emitter) error {
	s.mu.RLock()
	syncing := s.currentlySyncing
	s.mu.RUnlock()
	return out.EmitState(wire.StateMessage{
		Value: wire.StateValue{
			Bookmarks:        s.Snapshot(),
			CurrentlySyncing: syncing,
		},
	})
}

// ReadCommitted does a best-effort read of the committed-state file that an
// external supervisor writes after durably persisting records. A missing or
// malformed file is returned as an error; the caller treats that error as
// non-fatal and keeps using whatever committed state it already had.
func ReadCommitted(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var value wire.StateValue
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return LoadStore(value), nil
}
