package consumer

// queue is an ordered sequence of pending output bytes.
//
// Slices pushed onto the queue are shared with other consumers and must not be modified.
type queue struct {
	bufs [][]byte
	head int // offset into bufs[0]
	size int
}

// Len returns the number of queued bytes.
func (q *queue) Len() int {
	return q.size
}

// push appends b at the tail. Empty slices are ignored.
func (q *queue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.bufs = append(q.bufs, b)
	q.size += len(b)
}

// buffers returns up to max slices covering the head of the queue.
// The returned slices are only valid until the next call to consume or push.
func (q *queue) buffers(dst [][]byte, max int) [][]byte {
	dst = dst[:0]
	for i, b := range q.bufs {
		if i == max {
			break
		}
		if i == 0 {
			b = b[q.head:]
		}
		dst = append(dst, b)
	}
	return dst
}

// consume removes n bytes from the head of the queue.
func (q *queue) consume(n int) {
	if n > q.size {
		panic("consumer: consume beyond queue length")
	}
	q.size -= n
	for n > 0 {
		rem := len(q.bufs[0]) - q.head
		if n < rem {
			q.head += n
			return
		}
		n -= rem
		q.bufs[0] = nil
		q.bufs = q.bufs[1:]
		q.head = 0
	}
	if len(q.bufs) == 0 {
		q.bufs = q.bufs[:0:0]
	}
}

// reset discards every queued byte.
func (q *queue) reset() {
	clear(q.bufs)
	q.bufs = nil
	q.head = 0
	q.size = 0
}
