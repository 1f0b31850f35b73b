package console

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var idCounter atomic.Uint64

// NewID returns a message identifier that is unique within the process even
// for bursts of calls in the same clock tick. The counter guarantees
// uniqueness; the timestamp keeps ids roughly ordered and the UUIDv7 suffix
// keeps them unique across processes.
func NewID() string {
	n := idCounter.Add(1)
	suffix, err := uuid.NewV7()
	if err != nil {
		suffix = uuid.New()
	}
	return fmt.Sprintf("%d-%d-%s", time.Now().UnixMilli(), n, suffix.String()[24:])
}
