package lock

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaslane/gaslane/registry"
)

// Strategy orders the eligible relayers for an acquisition attempt. The
// fairness policy is a deliberate extension point; the Manager takes whatever
// ordering it is given and tries candidates front to back.
type Strategy interface {
	Order(candidates []registry.Info) []common.Address
}

// LeastRecentlyUsed prefers the relayer that has sat idle the longest,
// spreading wear and draining balances evenly. This is the default.
type LeastRecentlyUsed struct{}

func (LeastRecentlyUsed) Order(candidates []registry.Info) []common.Address {
	sorted := append([]registry.Info(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastUsed.Before(sorted[j].LastUsed)
	})

	out := make([]common.Address, len(sorted))
	for i, c := range sorted {
		out[i] = c.Address
	}
	return out
}

// RoundRobin rotates a cursor over the candidate list across calls.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func (s *RoundRobin) Order(candidates []registry.Info) []common.Address {
	if len(candidates) == 0 {
		return nil
	}

	s.mu.Lock()
	start := s.cursor % len(candidates)
	s.cursor++
	s.mu.Unlock()

	out := make([]common.Address, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		out = append(out, candidates[(start+i)%len(candidates)].Address)
	}
	return out
}

// Random shuffles the candidates on every call.
type Random struct{}

func (Random) Order(candidates []registry.Info) []common.Address {
	out := make([]common.Address, len(candidates))
	for i, c := range candidates {
		out[i] = c.Address
	}
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
