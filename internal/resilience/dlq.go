package resilience

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DLQEntry is a failed unit of work parked for later replay. Payload holds
// the original item verbatim so a replay tool can re-submit it unchanged.
type DLQEntry struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Error        string          `json:"error"`
	ErrorType    string          `json:"error_type"` // "transient" or "permanent"
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// DeadLetterQueue is a bounded in-memory parking lot for failed work. When
// full, the oldest entry is dropped; losing an already-failed measurement
// event beats unbounded memory growth.
type DeadLetterQueue struct {
	mu       sync.Mutex
	entries  []DLQEntry
	capacity int
}

const defaultDLQCapacity = 1000

func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = defaultDLQCapacity
	}
	return &DeadLetterQueue{capacity: capacity}
}

// Push parks a failed payload. retryCount records how many delivery
// attempts were already spent before giving up.
func (q *DeadLetterQueue) Push(payload json.RawMessage, failure error, retryCount int) DLQEntry {
	now := time.Now().UTC()
	entry := DLQEntry{
		ID:           uuid.New().String(),
		Payload:      payload,
		Error:        failure.Error(),
		ErrorType:    ClassifyError(failure),
		RetryCount:   retryCount,
		CreatedAt:    now,
		LastFailedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	return entry
}

// Drain removes and returns every parked entry, oldest first.
func (q *DeadLetterQueue) Drain() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// Len reports the number of parked entries.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
