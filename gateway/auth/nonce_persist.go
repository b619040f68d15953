package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"empleadora/storage"
)

const (
	nonceKeyPrefix    = "gateway/nonce/"
	observedKeyPrefix = "gateway/observed/"
)

// DBNoncePersistence stores nonce usage in the service's key-value database so
// replay protection survives gateway restarts.
type DBNoncePersistence struct {
	db storage.Database
}

// NewDBNoncePersistence wraps an open database. The caller retains ownership
// and closes the database.
func NewDBNoncePersistence(db storage.Database) *DBNoncePersistence {
	return &DBNoncePersistence{db: db}
}

// EnsureNonce records a nonce usage if it has not been observed previously.
// The returned bool reports whether the nonce already existed.
func (p *DBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("nonce persistence not configured")
	}
	apiKey := strings.TrimSpace(record.APIKey)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := strings.Join([]string{apiKey, ts, nonce}, "|")
	nonceKey := []byte(nonceKeyPrefix + composite)
	if _, err := p.db.Get(nonceKey); err == nil {
		return true, nil
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return false, fmt.Errorf("load nonce: %w", err)
	}

	nanos := observed.UnixNano()
	if err := p.db.Put(nonceKey, encodeUnixNano(nanos)); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	if err := p.db.Put([]byte(observedKey(nanos, composite)), nil); err != nil {
		return false, fmt.Errorf("record nonce index: %w", err)
	}
	return false, nil
}

// RecentNonces returns persisted nonces observed at or after the cutoff. Used
// to warm the in-memory cache on startup.
func (p *DBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("nonce persistence not configured")
	}
	cutoffNanos := cutoff.UTC().UnixNano()
	records := make([]NonceRecord, 0)
	err := p.db.IteratePrefix([]byte(observedKeyPrefix), func(key, _ []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		composite, nanos, ok := parseObservedKey(key)
		if !ok || nanos < cutoffNanos {
			return nil
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			return nil
		}
		records = append(records, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before the cutoff time.
func (p *DBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("nonce persistence not configured")
	}
	cutoffNanos := cutoff.UTC().UnixNano()
	type doomed struct {
		observedKey []byte
		composite   string
	}
	var expired []doomed
	err := p.db.IteratePrefix([]byte(observedKeyPrefix), func(key, _ []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		composite, nanos, ok := parseObservedKey(key)
		if !ok || nanos >= cutoffNanos {
			return nil
		}
		expired = append(expired, doomed{observedKey: append([]byte(nil), key...), composite: composite})
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	for _, entry := range expired {
		if err := p.db.Delete(entry.observedKey); err != nil {
			return fmt.Errorf("prune nonce index: %w", err)
		}
		if err := p.db.Delete([]byte(nonceKeyPrefix + entry.composite)); err != nil {
			return fmt.Errorf("prune nonce: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	raw := strings.TrimPrefix(string(key), observedKeyPrefix)
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
