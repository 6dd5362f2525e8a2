package chat

import "github.com/code3hr/cyxchat"

// recvQueueCap is the fixed capacity of the pull queue (spec.md §3 "Receive
// queue"). On overflow the oldest entry is dropped in favor of freshness.
const recvQueueCap = 32

// Received is one (sender, type, payload) tuple delivered to a host
// draining the pull API.
type Received struct {
	From    cyxchat.NodeId
	Type    byte
	Payload []byte
}

// recvQueue is a fixed-capacity FIFO that overwrites its oldest slot when
// full, per spec.md §4.3 "Pull API".
type recvQueue struct {
	buf        [recvQueueCap]Received
	head, size int
}

func (q *recvQueue) push(r Received) {
	if q.size < recvQueueCap {
		idx := (q.head + q.size) % recvQueueCap
		q.buf[idx] = r
		q.size++
		return
	}
	// Full: overwrite the oldest slot with the new entry, then advance head
	// past it — the slot just written is now the newest, reached last when
	// popping forward from the new head.
	q.buf[q.head] = r
	q.head = (q.head + 1) % recvQueueCap
}

func (q *recvQueue) pop() (Received, bool) {
	if q.size == 0 {
		return Received{}, false
	}
	r := q.buf[q.head]
	q.head = (q.head + 1) % recvQueueCap
	q.size--
	return r, true
}
