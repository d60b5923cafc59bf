package admission

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const windowKeyPrefix = "win:"

// LevelDBWindow persists limiter windows in LevelDB so they survive restarts.
// Keys are laid out as win:<key>\x00<unix-nanos><seq> so a prefix scan yields
// the window oldest first.
type LevelDBWindow struct {
	db      *leveldb.DB
	stripes [64]sync.Mutex
	seq     atomic.Uint32
}

// OpenLevelDBWindow opens (or creates) a window store at path.
func OpenLevelDBWindow(path string) (*LevelDBWindow, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb window path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb window path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb window store: %w", err)
	}
	return &LevelDBWindow{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (w *LevelDBWindow) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Hit implements WindowStore.
func (w *LevelDBWindow) Hit(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	if w == nil || w.db == nil {
		return Decision{}, fmt.Errorf("leveldb window not configured")
	}
	mu := w.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	window, stale, err := w.scan(ctx, key, now, rule.Per)
	if err != nil {
		return Decision{}, err
	}
	decision := decide(window, now, rule)
	batch := new(leveldb.Batch)
	for _, k := range stale {
		batch.Delete(k)
	}
	if decision.Allowed {
		batch.Put(entryKey(key, now, w.seq.Add(1)), nil)
	}
	if batch.Len() > 0 {
		if err := w.db.Write(batch, nil); err != nil {
			return Decision{}, fmt.Errorf("record window hit: %w", err)
		}
	}
	return decision, nil
}

// Peek implements WindowStore without recording a hit.
func (w *LevelDBWindow) Peek(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	if w == nil || w.db == nil {
		return Decision{}, fmt.Errorf("leveldb window not configured")
	}
	window, _, err := w.scan(ctx, key, now, rule.Per)
	if err != nil {
		return Decision{}, err
	}
	decision := decide(window, now, rule)
	if decision.Allowed {
		decision.Count--
		decision.Remaining++
	}
	return decision, nil
}

// scan returns the in-window timestamps and the keys of expired entries.
func (w *LevelDBWindow) scan(ctx context.Context, key string, now time.Time, per time.Duration) ([]time.Time, [][]byte, error) {
	cutoff := now.Add(-per)
	iter := w.db.NewIterator(util.BytesPrefix(keyPrefix(key)), nil)
	defer iter.Release()

	var window []time.Time
	var stale [][]byte
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		ts, ok := parseEntryKey(key, iter.Key())
		if !ok {
			continue
		}
		if !ts.After(cutoff) {
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		window = append(window, ts)
	}
	if err := iter.Error(); err != nil {
		return nil, nil, fmt.Errorf("iterate window: %w", err)
	}
	return window, stale, nil
}

// Prune deletes every entry observed before cutoff across all keys.
func (w *LevelDBWindow) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if w == nil || w.db == nil {
		return 0, fmt.Errorf("leveldb window not configured")
	}
	iter := w.db.NewIterator(util.BytesPrefix([]byte(windowKeyPrefix)), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		raw := iter.Key()
		if len(raw) < 12 {
			continue
		}
		nanos := binary.BigEndian.Uint64(raw[len(raw)-12 : len(raw)-4])
		if !time.Unix(0, int64(nanos)).After(cutoff) {
			batch.Delete(append([]byte(nil), raw...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate windows: %w", err)
	}
	if batch.Len() > 0 {
		if err := w.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("prune windows: %w", err)
		}
	}
	return batch.Len(), nil
}

func (w *LevelDBWindow) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &w.stripes[h.Sum32()%uint32(len(w.stripes))]
}

func keyPrefix(key string) []byte {
	out := make([]byte, 0, len(windowKeyPrefix)+len(key)+1)
	out = append(out, windowKeyPrefix...)
	out = append(out, key...)
	return append(out, 0)
}

func entryKey(key string, ts time.Time, seq uint32) []byte {
	out := keyPrefix(key)
	var suffix [12]byte
	binary.BigEndian.PutUint64(suffix[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint32(suffix[8:], seq)
	return append(out, suffix[:]...)
}

func parseEntryKey(key string, raw []byte) (time.Time, bool) {
	prefix := keyPrefix(key)
	if len(raw) != len(prefix)+12 {
		return time.Time{}, false
	}
	nanos := binary.BigEndian.Uint64(raw[len(prefix) : len(prefix)+8])
	return time.Unix(0, int64(nanos)), true
}
