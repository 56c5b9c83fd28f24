package manifest

// Lookup returns the pool entry for PH, if one has been committed. The
// pool grows monotonically within a manifest's lifetime; a dedup lookup
// only ever observes already-committed insertions.
func (m *Manifest) Lookup(ph string) (PoolEntry, bool) {
	e, ok := m.Pool[ph]
	return e, ok
}

// Insert records a new pool entry for PH. Re-inserting an identical value
// is a no-op. Inserting a different CH for an existing PH is a
// PoolConflict — the pool is append-only and entries are never mutated.
func (m *Manifest) Insert(ph, ch, url string, plainLen int) error {
	if existing, ok := m.Pool[ph]; ok {
		if existing.CH == ch && existing.URL == url {
			return nil
		}
		return ErrPoolConflict
	}
	m.Pool[ph] = PoolEntry{CH: ch, URL: url, PlainLen: plainLen}
	return nil
}
