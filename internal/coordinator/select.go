package coordinator

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"TrusteeBridge/internal/signing"
)

const (
	// scoreDecay weighs past behaviour against the latest observation.
	scoreDecay = 0.8

	// initialScore is the score of a trustee never observed.
	initialScore = 1.0
)

// Scores ranks trustees by how reliably they answered past sessions.
type Scores struct {
	mu     sync.Mutex
	scores map[string]float64 // scores are decayed response rates
}

// NewScores creates an empty score table.
func NewScores() *Scores {
	return &Scores{scores: make(map[string]float64)}
}

// Hit records a timely valid reply.
func (s *Scores) Hit(id []byte) {
	s.observe(id, 1)
}

// Miss records a missing, late or invalid reply.
func (s *Scores) Miss(id []byte) {
	s.observe(id, 0)
}

func (s *Scores) observe(id []byte, v float64) {
	k := hex.EncodeToString(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.scores[k]
	if !ok {
		prev = initialScore
	}

	s.scores[k] = scoreDecay*prev + (1-scoreDecay)*v
}

// Score returns the current score of id.
func (s *Scores) Score(id []byte) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.scores[hex.EncodeToString(id)]; ok {
		return v
	}

	return initialScore
}

// selectSigners ranks the eligible participants by score, ties broken by
// share index, and keeps at most limit of them (all when limit is 0).
// Fewer than threshold eligible participants is ErrInsufficientQuorum.
func selectSigners(members []signing.Participant, exclude map[string]bool, scores *Scores, limit, threshold int) ([]signing.Participant, error) {
	eligible := make([]signing.Participant, 0, len(members))
	for _, m := range members {
		if !exclude[hex.EncodeToString(m.ID)] {
			eligible = append(eligible, m)
		}
	}

	if len(eligible) < threshold {
		return nil, fmt.Errorf("%w: %d eligible trustees, need %d", signing.ErrInsufficientQuorum, len(eligible), threshold)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := scores.Score(eligible[i].ID), scores.Score(eligible[j].ID)
		if si != sj {
			return si > sj
		}
		return eligible[i].Index < eligible[j].Index
	})

	if limit > 0 && limit >= threshold && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	return eligible, nil
}
