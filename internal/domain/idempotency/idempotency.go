package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "X-Idempotency-Replayed"

	DefaultTTL     = 24 * time.Hour
	DefaultLockTTL = 60 * time.Second
)

// Record is a completed HTTP response stored under (Key, RequestHash).
type Record struct {
	Key            string    `json:"key"`
	RequestHash    string    `json:"request_hash"`
	ResponseStatus int       `json:"response_status"`
	ContentType    string    `json:"content_type,omitempty"`
	ResponseBody   []byte    `json:"response_body"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ComputeRequestHash returns the hex SHA-256 of method, URI and raw body
// joined by newlines. The separators keep ("POST", "/ab", "c") and
// ("POST", "/a", "bc") from colliding.
func ComputeRequestHash(method, uri string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(uri))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type Store interface {
	// Get returns the records stored for key. Implementations may omit expired ones.
	Get(ctx context.Context, key string) ([]*Record, error)

	// Save persists a record. An unexpired record for the same (Key, RequestHash) is never replaced.
	Save(ctx context.Context, record *Record) error

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Lease identifies a held lock. Token proves ownership on release.
type Lease struct {
	Key   string
	Token string
}

type Locker interface {
	// Acquire takes the lock for key with a mandatory ttl. It returns false without
	// error when another holder owns the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)

	// Release drops the lock if the lease still owns it.
	Release(ctx context.Context, lease Lease) error
}
