package party

// History is a fixed-size ring buffer of recent messages.
type History struct {
	buf   []Message
	start int
	size  int
}

// NewHistory returns a ring holding at most capacity messages.
func NewHistory(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{buf: make([]Message, capacity)}
}

// Add appends a message, evicting the oldest when full.
func (h *History) Add(m Message) {
	if len(h.buf) == 0 {
		return
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = m
		h.size++
		return
	}
	h.buf[h.start] = m
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	return h.size
}

// Messages returns the retained messages, oldest first.
func (h *History) Messages() []Message {
	out := make([]Message, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}
