// Package xid generates terminal-local identifiers. Ids must be unique per
// terminal and sortable by creation time, so queued offline transactions keep
// their enqueue order even when inspected outside the queue.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id of the form prefix-<unix-nanos>-<random>. The random tail
// keeps ids from colliding when the clock is coarse or steps backwards.
func New(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
