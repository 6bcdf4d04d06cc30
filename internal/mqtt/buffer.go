package mqtt

// queuedMessage is a serialized MQTT message held for replay after reconnection.
type queuedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO of messages published while the broker
// was unreachable. When full the oldest report is overwritten: a fresh
// location is worth more than a stale one.
// Not safe for concurrent use; caller must synchronize.
type ringBuffer struct {
	buf     []queuedMessage
	head    int // next write position
	count   int
	dropped int // messages overwritten since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &ringBuffer{buf: make([]queuedMessage, capacity)}
}

// push queues msg and reports whether an older message had to be dropped.
func (r *ringBuffer) push(msg queuedMessage) bool {
	capacity := len(r.buf)
	if capacity == 0 {
		r.dropped++
		return true
	}

	r.buf[r.head] = msg
	r.head = (r.head + 1) % capacity
	if r.count == capacity {
		r.dropped++
		return true
	}
	r.count++
	return false
}

// drainAll returns queued messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []queuedMessage {
	if r.count == 0 {
		return nil
	}

	capacity := len(r.buf)
	out := make([]queuedMessage, r.count)
	start := (r.head - r.count + capacity) % capacity
	for i := range out {
		out[i] = r.buf[(start+i)%capacity]
	}

	r.count = 0
	r.head = 0
	r.dropped = 0
	return out
}

func (r *ringBuffer) len() int {
	return r.count
}
