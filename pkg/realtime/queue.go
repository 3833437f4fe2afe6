package realtime

// queue is a bounded FIFO that drops its oldest message when full.
type queue struct {
	limit int
	items [][]byte
}

func newQueue(limit int) *queue {
	return &queue{limit: limit}
}

// push appends b and reports whether an older message was dropped.
func (q *queue) push(b []byte) bool {
	dropped := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, b)
	return dropped
}

// prepend puts msgs back at the front, keeping the newest limit messages.
func (q *queue) prepend(msgs [][]byte) {
	all := append(append([][]byte(nil), msgs...), q.items...)
	if len(all) > q.limit {
		all = all[len(all)-q.limit:]
	}
	q.items = all
}

func (q *queue) drain() [][]byte {
	out := q.items
	q.items = nil
	return out
}

func (q *queue) len() int { return len(q.items) }
