package party

// Subscriber receives the events of one party on behalf of one participant.
type Subscriber interface {
	// Deliver enqueues ev without blocking and reports false when the
	// subscriber's queue is full.
	Deliver(ev Event) bool

	// Evict tells the subscriber it no longer belongs to its party. It is
	// called without any store lock held.
	Evict(reason error)
}

// Channel is the fan-out set of a single party. It is not safe for
// concurrent use; the owning party's lock serializes access, which is what
// gives every subscriber the same event order.
type Channel struct {
	subs map[string]Subscriber
}

func newChannel() *Channel {
	return &Channel{subs: make(map[string]Subscriber)}
}

// Subscribe registers sub under a participant id, replacing any previous one.
func (c *Channel) Subscribe(participantID string, sub Subscriber) {
	c.subs[participantID] = sub
}

// Unsubscribe removes and returns the subscriber of a participant.
func (c *Channel) Unsubscribe(participantID string) Subscriber {
	sub := c.subs[participantID]
	delete(c.subs, participantID)
	return sub
}

// Publish delivers ev to every subscriber except exclude. Subscribers whose
// queue is full are reported back; the caller decides how to drop them.
func (c *Channel) Publish(ev Event, exclude string) (delivered int, overflowed []string) {
	for id, sub := range c.subs {
		if id == exclude {
			continue
		}
		if sub.Deliver(ev) {
			delivered++
			continue
		}
		overflowed = append(overflowed, id)
	}
	return delivered, overflowed
}
