package model

// HistoryEntry is a single (timestamp, metrics-tree) pair in a peer's
// retained history deque.
type HistoryEntry struct {
	TimestampSecs int64 `json:"ts"`
	Metrics       *Tree `json:"metrics"`
}

// MaxHistoryEntries bounds a single peer's retained deque (§3.1).
const MaxHistoryEntries = 1024

// AppendOrMerge pushes a new (now, metrics) observation onto a peer's
// history deque, merging into the tail entry when it shares the same
// timestamp second, and caps the deque at MaxHistoryEntries by dropping
// from the head.
func AppendOrMerge(deque []HistoryEntry, now int64, metrics *Tree) []HistoryEntry {
	if n := len(deque); n > 0 && deque[n-1].TimestampSecs == now {
		deque[n-1].Metrics = Merge(deque[n-1].Metrics, metrics)
	} else {
		deque = append(deque, HistoryEntry{TimestampSecs: now, Metrics: metrics})
	}
	if len(deque) > MaxHistoryEntries {
		deque = deque[len(deque)-MaxHistoryEntries:]
	}
	return deque
}

// Prune drops entries older than retentionSecs relative to now, returning
// the pruned deque and the count removed.
func Prune(deque []HistoryEntry, now, retentionSecs int64) ([]HistoryEntry, int) {
	cutoff := now - retentionSecs
	i := 0
	for i < len(deque) && deque[i].TimestampSecs < cutoff {
		i++
	}
	return deque[i:], i
}
