package queue

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Terminal reports whether a status admits no further transitions. Failed
// items are not terminal; an explicit retry returns them to pending.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority orders pending items within the queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityRanks = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// ParsePriority converts a string into a known Priority.
func ParsePriority(value string) (Priority, bool) {
	normalized := Priority(strings.ToLower(strings.TrimSpace(value)))
	_, ok := priorityRanks[normalized]
	return normalized, ok
}

// Rank returns the sort weight of a priority; lower sorts first.
func (p Priority) Rank() int {
	if rank, ok := priorityRanks[p]; ok {
		return rank
	}
	return priorityRanks[PriorityNormal]
}

func priorityFromRank(rank int) Priority {
	for priority, r := range priorityRanks {
		if r == rank {
			return priority
		}
	}
	return PriorityNormal
}

// higherPriority returns whichever of the two priorities sorts first.
func higherPriority(a, b Priority) Priority {
	if b.Rank() < a.Rank() {
		return b
	}
	return a
}

// Item represents a pending remote operation persisted in SQLite.
type Item struct {
	ID         string
	Action     string
	Endpoint   string
	Method     string
	Body       []byte
	Headers    map[string]string
	Priority   Priority
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	RetryCount int
	MaxRetries int
	LastError  string
	Timeout    time.Duration
	DependsOn  []string
	Metadata   map[string]string
}

// HasDependencies reports whether the item declares dependency edges.
func (i *Item) HasDependencies() bool {
	return len(i.DependsOn) > 0
}

// Stats aggregates queue counts per lifecycle state.
type Stats struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// DedupHash fingerprints the (action, endpoint, body) triple used to merge
// duplicate submissions. Cheap change detection only, never integrity.
func DedupHash(action, endpoint string, body []byte) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(action)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.WriteString(endpoint)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.Write(body)
	return strconv.FormatUint(digest.Sum64(), 16)
}
