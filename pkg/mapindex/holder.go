package mapindex

import "sync/atomic"

// Holder publishes the current snapshot to concurrent readers.
//
// A rebuild produces a new snapshot and swaps the pointer atomically;
// readers mid-query keep the snapshot they loaded and never observe a
// partially-written one.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder returns an empty holder. Current returns nil until the
// first Swap.
func NewHolder() *Holder {
	return &Holder{}
}

// Current returns the latest published snapshot, or nil.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Swap publishes a new snapshot and returns the previous one.
func (h *Holder) Swap(snap *Snapshot) *Snapshot {
	return h.current.Swap(snap)
}

// Resolve returns the current snapshot if its version hash matches.
// A mismatch means the caller holds a stale reference.
func (h *Holder) Resolve(versionHash string) (*Snapshot, bool) {
	snap := h.current.Load()
	if snap == nil {
		return nil, false
	}
	if versionHash != "" && snap.Version.Hash != versionHash {
		return nil, false
	}
	return snap, true
}
