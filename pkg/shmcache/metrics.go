package shmcache

// RejectReason says why a write was not stored.
type RejectReason int

const (
	// RejectOutOfSpace means the allocator could not supply a chunk chain.
	RejectOutOfSpace RejectReason = iota
	// RejectFull means the key index reached its capacity.
	RejectFull
)

// Metrics receives cache events. Implementations must be safe for
// concurrent use and must not call back into the cache: hooks run while the
// region lock is held.
type Metrics interface {
	// Hit is called for a Get that found the key.
	Hit()
	// Miss is called for a Get that did not find the key.
	Miss()
	// Store is called after a Set stored a record of the given encoded size.
	Store(recordBytes int)
	// Delete is called after a Delete removed a live entry.
	Delete()
	// Reject is called when a Set failed for lack of space.
	Reject(reason RejectReason)
	// Recover is called after crash recovery reset the region.
	Recover()
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is the default when [Options.Metrics] is nil.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                {}
func (NoopMetrics) Miss()               {}
func (NoopMetrics) Store(int)           {}
func (NoopMetrics) Delete()             {}
func (NoopMetrics) Reject(RejectReason) {}
func (NoopMetrics) Recover()            {}

var _ Metrics = NoopMetrics{}
