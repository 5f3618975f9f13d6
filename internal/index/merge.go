package index

// mergeIterator merges several sorted sources into one ascending
// sequence. Sources are ordered newest to oldest; on duplicate keys the
// entry from the newest source wins and older ones are skipped.
type mergeIterator struct {
	sources []Iterator
	heads   []*Entry // staged entry per source, nil when exhausted
	primed  bool
	entry   Entry
	err     error
}

// newMergeIterator builds a merged iterator. sources[0] is the newest.
func newMergeIterator(sources []Iterator) *mergeIterator {
	return &mergeIterator{
		sources: sources,
		heads:   make([]*Entry, len(sources)),
	}
}

func (m *mergeIterator) advance(i int) bool {
	if m.sources[i].Next() {
		e := m.sources[i].Entry()
		m.heads[i] = &e
		return true
	}
	m.heads[i] = nil
	if err := m.sources[i].Err(); err != nil && m.err == nil {
		m.err = err
	}
	return false
}

func (m *mergeIterator) Next() bool {
	if m.err != nil {
		return false
	}
	if !m.primed {
		m.primed = true
		for i := range m.sources {
			m.advance(i)
			if m.err != nil {
				return false
			}
		}
	}

	// Pick the smallest staged key; ties resolve to the newest source
	best := -1
	for i, h := range m.heads {
		if h == nil {
			continue
		}
		if best == -1 || h.Key.Less(m.heads[best].Key) {
			best = i
		}
	}
	if best == -1 {
		return false
	}

	m.entry = *m.heads[best]
	// Consume the winner and any older duplicates of the same key
	for i := best; i < len(m.sources); i++ {
		if m.heads[i] != nil && m.heads[i].Key == m.entry.Key {
			m.advance(i)
			if m.err != nil {
				return false
			}
		}
	}
	return true
}

func (m *mergeIterator) Entry() Entry {
	return m.entry
}

func (m *mergeIterator) Err() error {
	return m.err
}

// chainIterator concatenates sources whose key ranges are disjoint and
// already ordered, e.g. the tables of one level
type chainIterator struct {
	sources []Iterator
	at      int
	entry   Entry
	err     error
}

func newChainIterator(sources []Iterator) *chainIterator {
	return &chainIterator{sources: sources}
}

func (c *chainIterator) Next() bool {
	for c.at < len(c.sources) {
		if c.sources[c.at].Next() {
			c.entry = c.sources[c.at].Entry()
			return true
		}
		if err := c.sources[c.at].Err(); err != nil {
			c.err = err
			return false
		}
		c.at++
	}
	return false
}

func (c *chainIterator) Entry() Entry {
	return c.entry
}

func (c *chainIterator) Err() error {
	return c.err
}
