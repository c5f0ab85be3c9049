package notification

// command is an optimistic local mutation paired with its compensation. All
// methods run with the store mutex held; done runs once the API call returns,
// before compensate.
type command interface {
	name() string
	apply()
	done()
	compensate()
}

// markReadCommand flips one item to read. It only compensates what it applied:
// a call on an already-read item is a no-op locally.
type markReadCommand struct {
	s       *Store
	id      int64
	prior   bool
	applied bool
}

func (c *markReadCommand) name() string { return "mark-as-read" }

func (c *markReadCommand) apply() {
	c.s.pendingReads[c.id] = append(c.s.pendingReads[c.id], c)
	n, ok := c.s.index[c.id]
	if !ok {
		return
	}
	c.prior = n.Read
	if n.Read {
		return
	}
	n.Read = true
	c.s.addUnreadLocked(-1)
	c.applied = true
	if c.s.loadReads != nil {
		c.s.loadReads[c.id] = struct{}{}
	}
}

func (c *markReadCommand) done() {
	pending := c.s.pendingReads[c.id]
	for i, cmd := range pending {
		if cmd == c {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(c.s.pendingReads, c.id)
		return
	}
	c.s.pendingReads[c.id] = pending
}

func (c *markReadCommand) compensate() {
	if !c.applied {
		return
	}
	// A read-ack from the server confirms the flag even though this call failed.
	if _, acked := c.s.acked[c.id]; acked {
		return
	}
	n, ok := c.s.index[c.id]
	if !ok || !n.Read {
		return
	}
	n.Read = c.prior
	c.s.addUnreadLocked(1)
	delete(c.s.loadReads, c.id)
}

// markAllCommand flips every loaded item to read and remembers which ones it
// changed so a failure restores exactly those.
type markAllCommand struct {
	s       *Store
	flipped []int64
}

func (c *markAllCommand) name() string { return "mark-all-as-read" }

func (c *markAllCommand) apply() {
	for _, n := range c.s.items {
		if !n.Read {
			n.Read = true
			c.flipped = append(c.flipped, n.ID)
		}
	}
	c.s.unread = 0
	if c.s.loadCount != nil {
		*c.s.loadCount = 0
	}
}

func (c *markAllCommand) done() {}

func (c *markAllCommand) compensate() {
	for _, id := range c.flipped {
		if _, acked := c.s.acked[id]; acked {
			continue
		}
		n, ok := c.s.index[id]
		if !ok || !n.Read {
			continue
		}
		n.Read = false
		c.s.addUnreadLocked(1)
	}
}
