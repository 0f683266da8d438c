// ABOUTME: Record lifecycle: stamps the absolute ttl the store evicts by
// ABOUTME: Appends keep the creation ttl unless refresh-on-append is enabled

package conversation

import "time"

// DefaultRecordTTL is how long a record lives after it is created.
const DefaultRecordTTL = 10 * time.Minute

// Lifecycle decides the ttl stamped on each write.
type Lifecycle struct {
	Window          time.Duration
	RefreshOnAppend bool
	Now             func() time.Time
}

func (l Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Lifecycle) window() time.Duration {
	if l.Window > 0 {
		return l.Window
	}
	return DefaultRecordTTL
}

// Stamp returns now + window as epoch seconds. Used when a write creates the record.
func (l Lifecycle) Stamp() int64 {
	return l.now().Add(l.window()).Unix()
}

// OnAppend returns the ttl for an append to a record currently stamped prev.
func (l Lifecycle) OnAppend(prev int64) int64 {
	if l.RefreshOnAppend || prev <= 0 {
		return l.Stamp()
	}
	return prev
}
