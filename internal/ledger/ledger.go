// Package ledger provides the in-memory reputation ledger for provider
// identities. Scores are non-negative counters adjusted only by reward and
// penalty events; entries are created at registration and never deleted
// while the identity is known. The ledger is a plain container: the broker
// is its only owner and serializes all access under its own lock.
package ledger

import "log"

// Ledger maps provider identities to floor-zero scores.
type Ledger struct {
	scores map[string]uint64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{scores: make(map[string]uint64)}
}

// Ensure creates a zero score entry for id if none exists. An existing
// entry, and its score, is left untouched.
func (l *Ledger) Ensure(id string) {
	if _, ok := l.scores[id]; !ok {
		l.scores[id] = 0
	}
}

// Has reports whether id has a score entry.
func (l *Ledger) Has(id string) bool {
	_, ok := l.scores[id]
	return ok
}

// Get returns the score for id, or zero when unknown.
func (l *Ledger) Get(id string) uint64 {
	return l.scores[id]
}

// Reward adds amount to the score of id and returns the resulting score.
// An unknown identity is a logged no-op returning zero.
func (l *Ledger) Reward(id string, amount uint64) uint64 {
	score, ok := l.scores[id]
	if !ok {
		log.Printf("No score entry for provider %s, reward dropped", id)
		return 0
	}
	score += amount
	l.scores[id] = score
	return score
}

// Penalise subtracts amount from the score of id, flooring at zero, and
// returns the resulting score. An unknown identity is a logged no-op
// returning zero.
func (l *Ledger) Penalise(id string, amount uint64) uint64 {
	score, ok := l.scores[id]
	if !ok {
		log.Printf("No score entry for provider %s, penalty dropped", id)
		return 0
	}
	if score <= amount {
		score = 0
	} else {
		score -= amount
	}
	l.scores[id] = score
	return score
}

// Snapshot returns a copy of all entries.
func (l *Ledger) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(l.scores))
	for id, score := range l.scores {
		out[id] = score
	}
	return out
}
