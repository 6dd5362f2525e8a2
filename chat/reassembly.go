package chat

import (
	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
)

// reassemblyCap and maxFragsPerEntry mirror spec.md §3's fragment-entry
// sizing ("cap 8 × up to 32 fragments × 4 KiB").
const (
	reassemblyCap    = 8
	maxFragsPerEntry = 32
	maxPayloadBytes  = 4096
	fragExpiryMs     = 30_000
)

type fragKey struct {
	from  cyxchat.NodeId
	msgID cyxchat.MsgId
}

// fragEntry is one in-flight reassembly buffer, keyed by (from, msg_id).
type fragEntry struct {
	key           fragKey
	totalFrags    int
	receivedMask  uint32 // bit i set iff fragment i has been stored
	receivedCount int
	chunks        [maxFragsPerEntry][]byte
	startTimeMs   int64
	lastTouchedMs int64
}

// reassemblyTable holds up to reassemblyCap in-flight fragment entries with
// LRU eviction on overflow, and expires partial entries after 30s.
type reassemblyTable struct {
	entries []*fragEntry // ordered oldest-touched first
}

func newReassemblyTable() *reassemblyTable {
	return &reassemblyTable{}
}

func (t *reassemblyTable) find(k fragKey) *fragEntry {
	for _, e := range t.entries {
		if e.key == k {
			return e
		}
	}
	return nil
}

func (t *reassemblyTable) touch(e *fragEntry, nowMs int64) {
	e.lastTouchedMs = nowMs
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	t.entries = append(t.entries, e)
}

func (t *reassemblyTable) evictOldestIfFull() {
	if len(t.entries) < reassemblyCap {
		return
	}
	t.entries = t.entries[1:]
}

// addFragment stores one fragment. It reports whether the entry is now
// complete and, if so, returns the reassembled payload with its 2-byte
// little-endian length prefix (spec.md §4.3 "Reassembly").
func (t *reassemblyTable) addFragment(from cyxchat.NodeId, msgID cyxchat.MsgId, fh wire.FragHeader, chunk []byte, nowMs int64) (complete bool, reassembled []byte) {
	if fh.TotalFrags == 0 || int(fh.TotalFrags) > maxFragsPerEntry || int(fh.FragIdx) >= int(fh.TotalFrags) {
		return false, nil
	}
	k := fragKey{from: from, msgID: msgID}
	e := t.find(k)
	if e == nil {
		t.evictOldestIfFull()
		e = &fragEntry{key: k, totalFrags: int(fh.TotalFrags), startTimeMs: nowMs}
		t.entries = append(t.entries, e)
	}
	t.touch(e, nowMs)

	bit := uint32(1) << uint(fh.FragIdx)
	if e.receivedMask&bit != 0 {
		// Duplicate fragment: silently ignored (spec.md §4.3).
		return false, nil
	}
	e.receivedMask |= bit
	stored := make([]byte, len(chunk))
	copy(stored, chunk)
	e.chunks[fh.FragIdx] = stored
	e.receivedCount++

	if e.receivedCount != e.totalFrags {
		return false, nil
	}

	total := 0
	for i := 0; i < e.totalFrags; i++ {
		total += len(e.chunks[i])
	}
	if total > maxPayloadBytes {
		total = maxPayloadBytes
	}
	out := make([]byte, 2+total)
	out[0] = byte(total)
	out[1] = byte(total >> 8)
	n := 2
	for i := 0; i < e.totalFrags && n < len(out); i++ {
		n += copy(out[n:], e.chunks[i])
	}
	t.remove(e)
	return true, out
}

func (t *reassemblyTable) remove(e *fragEntry) {
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// ExpireOlderThan drops partial entries whose startTimeMs predates the
// 30s window (spec.md §4.3 "A partial entry older than 30 s is expired").
func (t *reassemblyTable) ExpireOlderThan(nowMs int64) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if nowMs-e.startTimeMs >= fragExpiryMs {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
}
