package ids

import (
	"crypto/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Event ids stamped on publish use it so ids from one process sort by time.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ConsumerName builds a consumer identity that is unique per process start,
// in the form "<prefix>-<hostname>-<ulid>". Empty parts are skipped.
func ConsumerName(prefix string) string {
	parts := make([]string, 0, 3)
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		parts = append(parts, prefix)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		parts = append(parts, host)
	}
	parts = append(parts, strings.ToLower(CreateULID()))
	return strings.Join(parts, "-")
}
