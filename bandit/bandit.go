// Package bandit picks mutation operators with a multi-armed bandit.
//
// Selection is untried-first: while some arm has fewer than MinTrials
// trials, one of the least tried arms is chosen at random. After that an
// epsilon-greedy roll explores uniformly, and otherwise UCB1 exploits the
// arm with the best mean reward plus confidence bonus.
package bandit

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var ErrNoArms = errors.New("bandit has no arms")

type Config struct {
	Epsilon   float64 `json:"epsilon"`
	UCBC      float64 `json:"ucbC"`
	MinTrials uint64  `json:"minTrials"`
}

func DefaultConfig() Config {
	return Config{Epsilon: 0.05, UCBC: 1.5, MinTrials: 1}
}

func (c *Config) Check() error {
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("epsilon %v outside [0, 1]", c.Epsilon)
	}
	if c.UCBC < 0 || math.IsNaN(c.UCBC) {
		return fmt.Errorf("invalid UCB constant %v", c.UCBC)
	}
	return nil
}

// Arm holds the running statistics of one operator.
type Arm struct {
	Name        string  `json:"name"`
	Trials      uint64  `json:"trials"`
	TotalReward float64 `json:"totalReward"`
}

func (a Arm) Mean() float64 {
	if a.Trials == 0 {
		return 0
	}
	return a.TotalReward / float64(a.Trials)
}

// Bandit is owned by the fuzz loop and is not safe for concurrent use.
type Bandit struct {
	cfg  Config
	arms []Arm
	rng  *rand.Rand

	totalTrials uint64
}

func New(cfg Config, names []string, rng *rand.Rand) *Bandit {
	arms := make([]Arm, len(names))
	for i, n := range names {
		arms[i] = Arm{Name: n}
	}
	return &Bandit{cfg: cfg, arms: arms, rng: rng}
}

func (b *Bandit) Len() int {
	return len(b.arms)
}

// Select returns the index of the next arm to pull.
func (b *Bandit) Select() (int, error) {
	switch len(b.arms) {
	case 0:
		return 0, ErrNoArms
	case 1:
		return 0, nil
	}

	if i, ok := b.untried(); ok {
		return i, nil
	}
	if b.cfg.Epsilon > 0 && b.rng.Float64() < b.cfg.Epsilon {
		return b.rng.Intn(len(b.arms)), nil
	}
	return b.ucb(), nil
}

// untried picks uniformly among the least tried arms still below MinTrials.
func (b *Bandit) untried() (int, bool) {
	minTrials := b.cfg.MinTrials
	if minTrials == 0 {
		minTrials = 1
	}
	least := uint64(math.MaxUint64)
	var candidates []int
	for i, a := range b.arms {
		if a.Trials >= minTrials {
			continue
		}
		switch {
		case a.Trials < least:
			least = a.Trials
			candidates = append(candidates[:0], i)
		case a.Trials == least:
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[b.rng.Intn(len(candidates))], true
}

func (b *Bandit) ucb() int {
	logTotal := math.Log(float64(max(b.totalTrials, 1)))
	best, bestScore := 0, math.Inf(-1)
	for i, a := range b.arms {
		score := a.Mean() + b.cfg.UCBC*math.Sqrt(logTotal/float64(a.Trials))
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// Update records one pull of arm i with the given reward.
func (b *Bandit) Update(i int, reward float64) {
	if i < 0 || i >= len(b.arms) {
		return
	}
	b.arms[i].Trials++
	b.arms[i].TotalReward += reward
	b.totalTrials++
}

// Arms returns a snapshot of the arm statistics.
func (b *Bandit) Arms() []Arm {
	return append([]Arm(nil), b.arms...)
}

func (b *Bandit) Arm(i int) Arm {
	return b.arms[i]
}

func (b *Bandit) TotalTrials() uint64 {
	return b.totalTrials
}
