package model

// Tally counts values and tracks the most frequent one. Ties go to the value
// that reached the winning count first, so the outcome depends only on the
// order values are added.
type Tally struct {
	counts    map[string]int
	best      string
	bestCount int
}

// Add counts one occurrence of v.
func (t *Tally) Add(v string) {
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	t.counts[v]++
	if c := t.counts[v]; c > t.bestCount {
		t.best, t.bestCount = v, c
	}
}

// Winner returns the most frequent value, or false when nothing was added.
func (t *Tally) Winner() (string, bool) {
	return t.best, t.bestCount > 0
}

// Count returns how often v was added.
func (t *Tally) Count(v string) int {
	return t.counts[v]
}
