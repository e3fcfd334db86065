package placement

import (
	"fmt"
	"math/rand"
	"testing"

	"storagegrid/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestServers(n int) []types.ServerIdentity {
	servers := make([]types.ServerIdentity, n)
	for i := range servers {
		servers[i] = types.ServerIdentity{
			ID:       types.ServerID(fmt.Sprintf("server-%02d", i)),
			Nickname: fmt.Sprintf("node-%02d", i),
			URL:      fmt.Sprintf("pb://hash@10.0.0.%d:3457/swiss#v=1", i),
		}
	}
	return servers
}

func ids(servers []types.ServerIdentity) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = string(s.ID)
	}
	return out
}

func storageIndex(label string) types.StorageIndex {
	si := make(types.StorageIndex, types.StorageIndexSize)
	copy(si, label)
	return si
}

func TestRankDeterministic(t *testing.T) {
	servers := createTestServers(10)
	si := storageIndex("one")

	first := Rank(si, servers)
	second := Rank(si, servers)
	require.Len(t, first, len(servers))
	assert.Equal(t, ids(first), ids(second))
}

func TestRankIgnoresInputOrder(t *testing.T) {
	servers := createTestServers(12)
	si := storageIndex("one")
	expected := ids(Rank(si, servers))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]types.ServerIdentity, len(servers))
		copy(shuffled, servers)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, expected, ids(Rank(si, shuffled)))
	}
}

func TestRankDependsOnStorageIndex(t *testing.T) {
	servers := createTestServers(10)
	one := ids(Rank(storageIndex("one"), servers))
	two := ids(Rank(storageIndex("two"), servers))
	assert.ElementsMatch(t, one, two)
	assert.NotEqual(t, one, two, "different storage indexes should permute differently")
}

func TestRankSortedByPermutationKey(t *testing.T) {
	servers := createTestServers(8)
	si := storageIndex("sorted")
	ranked := Rank(si, servers)
	for i := 1; i < len(ranked); i++ {
		prev := PermutationKey(si, ranked[i-1].ID)
		cur := PermutationKey(si, ranked[i].ID)
		assert.True(t, string(prev[:]) < string(cur[:]))
	}
}

func TestRankEmptyAndDuplicates(t *testing.T) {
	si := storageIndex("one")
	ranked := Rank(si, nil)
	assert.NotNil(t, ranked)
	assert.Empty(t, ranked)

	servers := createTestServers(3)
	dup := append([]types.ServerIdentity{}, servers...)
	dup = append(dup, servers[1])
	assert.Len(t, Rank(si, dup), 3)
}

func TestRankDoesNotModifyInput(t *testing.T) {
	servers := createTestServers(6)
	before := ids(servers)
	Rank(storageIndex("x"), servers)
	assert.Equal(t, before, ids(servers))
}

func TestSelector(t *testing.T) {
	servers := createTestServers(5)
	sel := NewSelector(servers)
	si := storageIndex("one")

	assert.Equal(t, 5, sel.Len())
	assert.Equal(t, ids(Rank(si, servers)), ids(sel.Rank(si)))

	top := sel.Top(si, 3)
	require.Len(t, top, 3)
	assert.Equal(t, ids(sel.Rank(si))[:3], ids(top))
	assert.Len(t, sel.Top(si, 10), 5)
	assert.Empty(t, sel.Top(si, -1))

	// A newcomer slots in without reordering the servers already known.
	before := ids(sel.Rank(si))
	newcomer := types.ServerIdentity{ID: types.ServerID("server-new"), Nickname: "node-new"}
	sel.Register(newcomer)
	assert.Equal(t, 6, sel.Len())
	var without []string
	for _, id := range ids(sel.Rank(si)) {
		if id != string(newcomer.ID) {
			without = append(without, id)
		}
	}
	assert.Equal(t, before, without)

	// Registering a known ID replaces it.
	sel.Register(newcomer)
	assert.Equal(t, 6, sel.Len())
}
