// Package ids mints ULIDs for messages, sessions and envelopes.
//
// ULIDs from one process sort in creation order even within a millisecond,
// which the stores rely on for history keys.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var mint = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// NewULID returns a 26 character ULID stamped with now (or the current time
// when now is zero).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now()
	}
	ms := ulid.Timestamp(now)

	mint.Lock()
	id, err := ulid.New(ms, mint.entropy)
	mint.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewULIDOrUUID never fails: when the monotonic entropy overflows it returns
// a random UUID instead. Used for ids that only need to be unique.
func NewULIDOrUUID(now time.Time) string {
	if id, err := NewULID(now); err == nil {
		return id
	}
	return uuid.NewString()
}

// Time returns the creation time encoded in a ULID.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
