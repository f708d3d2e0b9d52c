package main

import (
	"sort"
	"sync"
)

// RarityDistribution buckets the chunk universe by swarm availability. The
// four buckets always partition the universe exactly:
// Rare+Uncommon+Common+VeryCommon == TotalChunks.
type RarityDistribution struct {
	Rare        int `json:"rare"`
	Uncommon    int `json:"uncommon"`
	Common      int `json:"common"`
	VeryCommon  int `json:"very_common"`
	TotalChunks int `json:"total_chunks"`
}

// RarityManager tracks swarm-wide chunk availability: which chunk indices
// each remote peer is known to hold, plus the local already-have set. It
// produces the rarest-first priority ordering the allocator consumes.
type RarityManager struct {
	totalChunks int
	peerChunks  map[string]map[int]struct{}
	localHave   map[int]struct{}

	mu sync.RWMutex
}

// NewRarityManager creates a rarity manager for a chunk universe of the
// given size
func NewRarityManager(totalChunks int) *RarityManager {
	return &RarityManager{
		totalChunks: totalChunks,
		peerChunks:  make(map[string]map[int]struct{}),
		localHave:   make(map[int]struct{}),
	}
}

// SetTotalChunks resizes the chunk universe
func (rm *RarityManager) SetTotalChunks(n int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.totalChunks = n
}

// PeerHas records that a peer holds a chunk index
func (rm *RarityManager) PeerHas(peerID string, chunkIndex int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	set, ok := rm.peerChunks[peerID]
	if !ok {
		set = make(map[int]struct{})
		rm.peerChunks[peerID] = set
	}
	set[chunkIndex] = struct{}{}
}

// PeerHasAll records a peer's full holdings in one call
func (rm *RarityManager) PeerHasAll(peerID string, chunkIndexes []int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	set, ok := rm.peerChunks[peerID]
	if !ok {
		set = make(map[int]struct{}, len(chunkIndexes))
		rm.peerChunks[peerID] = set
	}
	for _, idx := range chunkIndexes {
		set[idx] = struct{}{}
	}
}

// PeerGone removes a peer and all its holdings from the availability map
func (rm *RarityManager) PeerGone(peerID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.peerChunks, peerID)
}

// MarkHave records a chunk as locally held; it no longer appears in the
// prioritized ordering
func (rm *RarityManager) MarkHave(chunkIndex int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.localHave[chunkIndex] = struct{}{}
}

// peerCount returns how many peers hold a chunk. Caller must hold rm.mu.
func (rm *RarityManager) peerCount(chunkIndex int) int {
	count := 0
	for _, set := range rm.peerChunks {
		if _, ok := set[chunkIndex]; ok {
			count++
		}
	}
	return count
}

// PrioritizedChunks returns up to n chunk indices not locally held, ordered
// rarest first (ascending peer count, ties broken by ascending index)
func (rm *RarityManager) PrioritizedChunks(n int) []int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	type chunkRank struct {
		index int
		peers int
	}

	ranked := make([]chunkRank, 0, rm.totalChunks)
	for idx := 0; idx < rm.totalChunks; idx++ {
		if _, have := rm.localHave[idx]; have {
			continue
		}
		ranked = append(ranked, chunkRank{index: idx, peers: rm.peerCount(idx)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].peers != ranked[j].peers {
			return ranked[i].peers < ranked[j].peers
		}
		return ranked[i].index < ranked[j].index
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = ranked[i].index
	}
	return result
}

// ChunkRarity returns a [0,1] rarity score for a chunk: 0 for a chunk every
// peer holds, 1 for a chunk no peer holds
func (rm *RarityManager) ChunkRarity(chunkIndex int) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	peers := len(rm.peerChunks)
	if peers == 0 {
		return 1.0
	}
	return 1.0 - float64(rm.peerCount(chunkIndex))/float64(peers)
}

// Distribution buckets every chunk by peer-count quantiles. Each chunk falls
// into exactly one bucket, so the buckets always sum to the universe size.
func (rm *RarityManager) Distribution() RarityDistribution {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	dist := RarityDistribution{TotalChunks: rm.totalChunks}
	if rm.totalChunks == 0 {
		return dist
	}

	counts := make([]int, rm.totalChunks)
	for idx := 0; idx < rm.totalChunks; idx++ {
		counts[idx] = rm.peerCount(idx)
	}

	sorted := make([]int, len(counts))
	copy(sorted, counts)
	sort.Ints(sorted)

	// Quartile thresholds over the observed peer-count distribution
	q1 := sorted[len(sorted)/4]
	q2 := sorted[len(sorted)/2]
	q3 := sorted[(len(sorted)*3)/4]

	for _, c := range counts {
		switch {
		case c <= q1:
			dist.Rare++
		case c <= q2:
			dist.Uncommon++
		case c <= q3:
			dist.Common++
		default:
			dist.VeryCommon++
		}
	}

	return dist
}

// PeerCount returns the number of known peers
func (rm *RarityManager) PeerCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.peerChunks)
}
