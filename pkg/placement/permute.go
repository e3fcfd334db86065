// Package placement decides which storage servers hold the shares of a file.
//
// The ranking is a pure function of the storage index and the candidate set,
// so independent clients agree on share placement without a coordinator.
package placement

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"sync"

	"storagegrid/pkg/types"
)

// PermutationKey is the score a server gets for one storage index.
func PermutationKey(si types.StorageIndex, id types.ServerID) [sha256.Size]byte {
	h := sha256.New()
	h.Write(id)
	h.Write(si)
	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Rank orders candidates for a storage index. Servers sharing an ID are
// collapsed to one entry; the input slice is not modified.
func Rank(si types.StorageIndex, candidates []types.ServerIdentity) []types.ServerIdentity {
	type scoredServer struct {
		server types.ServerIdentity
		key    [sha256.Size]byte
	}

	scored := make([]scoredServer, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredServer{server: c, key: PermutationKey(si, c.ID)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if c := bytes.Compare(scored[i].key[:], scored[j].key[:]); c != 0 {
			return c < 0
		}
		if c := types.CompareIDs(scored[i].server.ID, scored[j].server.ID); c != 0 {
			return c < 0
		}
		// identical IDs: keep the output independent of input order
		if scored[i].server.URL != scored[j].server.URL {
			return scored[i].server.URL < scored[j].server.URL
		}
		return scored[i].server.Nickname < scored[j].server.Nickname
	})

	ranked := make([]types.ServerIdentity, 0, len(scored))
	for i, s := range scored {
		if i > 0 && bytes.Equal(s.server.ID, scored[i-1].server.ID) {
			continue
		}
		ranked = append(ranked, s.server)
	}
	return ranked
}

// Selector holds the currently known servers and ranks them on demand.
type Selector struct {
	mu      sync.RWMutex
	servers map[string]types.ServerIdentity
}

func NewSelector(servers []types.ServerIdentity) *Selector {
	s := &Selector{servers: make(map[string]types.ServerIdentity)}
	for _, srv := range servers {
		s.Register(srv)
	}
	return s
}

// Register adds or replaces a server, keyed by its ID.
func (s *Selector) Register(server types.ServerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[string(server.ID)] = server
}

// Len returns the number of known servers.
func (s *Selector) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.servers)
}

// Rank returns every known server in permuted order for si.
func (s *Selector) Rank(si types.StorageIndex) []types.ServerIdentity {
	s.mu.RLock()
	candidates := make([]types.ServerIdentity, 0, len(s.servers))
	for _, srv := range s.servers {
		candidates = append(candidates, srv)
	}
	s.mu.RUnlock()

	return Rank(si, candidates)
}

// Top returns the first n servers of the ranking, or all of them if fewer.
func (s *Selector) Top(si types.StorageIndex, n int) []types.ServerIdentity {
	ranked := s.Rank(si)
	if n < 0 {
		n = 0
	}
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}
