// Package coordinator holds the mutable state shared across a download's
// concurrent chunk fetches: which indices are validated and their byte
// sizes. All operations are atomic under a single mutex.
package coordinator

import "sync"

// Coordinator guards the validated-chunk set and per-chunk byte sizes for
// one in-flight download. A Coordinator is scoped to a single model's
// download run; it is not shared across models.
type Coordinator struct {
	mu          sync.Mutex
	validated   map[int]struct{}
	sizes       map[int]int64
	attempted   int
	failed      int
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		validated: make(map[int]struct{}),
		sizes:     make(map[int]int64),
	}
}

// IsValidated reports whether index has already been validated.
func (c *Coordinator) IsValidated(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.validated[index]
	return ok
}

// MarkValidated records index as validated with the given byte size. It
// is idempotent: marking an already-validated index again is a no-op for
// the attempted/failed counters, but updates the recorded size.
func (c *Coordinator) MarkValidated(index int, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validated[index] = struct{}{}
	c.sizes[index] = size
}

// SetSize records the byte size for index without marking it validated.
// Used when a size becomes known before validation completes.
func (c *Coordinator) SetSize(index int, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes[index] = size
}

// TotalBytes returns the sum of all recorded chunk sizes.
func (c *Coordinator) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, v := range c.sizes {
		total += v
	}
	return total
}

// ValidatedCount returns the number of validated indices.
func (c *Coordinator) ValidatedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.validated)
}

// RecordAttempt increments the attempted-fetch counter used for adaptive
// concurrency, and the failed counter if ok is false.
func (c *Coordinator) RecordAttempt(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempted++
	if !ok {
		c.failed++
	}
}

// FailureRatio returns the failed/attempted ratio observed so far, or 0
// if nothing has been attempted yet.
func (c *Coordinator) FailureRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempted == 0 {
		return 0
	}
	return float64(c.failed) / float64(c.attempted)
}
