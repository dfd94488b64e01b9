package payment

import (
	"math/rand"
	"sync"
)

// StrategyPolicy picks an execution path for a capability. Injected into the
// dispatcher so tests can force a deterministic strategy.
type StrategyPolicy func(capability string) Strategy

// NewWeightedPolicy returns the default policy: a weighted random draw
// between direct and batch, independent of capability. Token payments are
// never drawn randomly; they are requested explicitly per order.
func NewWeightedPolicy(directWeight, batchWeight int, seed int64) StrategyPolicy {
	if directWeight <= 0 && batchWeight <= 0 {
		directWeight, batchWeight = 60, 40
	}
	if directWeight < 0 {
		directWeight = 0
	}
	if batchWeight < 0 {
		batchWeight = 0
	}
	total := directWeight + batchWeight

	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(string) Strategy {
		mu.Lock()
		n := rng.Intn(total)
		mu.Unlock()
		if n < directWeight {
			return StrategyDirect
		}
		return StrategyBatch
	}
}

// FixedPolicy always returns the given strategy. Used by tests and by
// deployments that want deterministic settlement.
func FixedPolicy(strategy Strategy) StrategyPolicy {
	return func(string) Strategy { return strategy }
}
