package main

import (
	"sort"
)

// AllocationStrategy selects how pending chunks map onto carriers
type AllocationStrategy string

const (
	StrategyQualityFirst     AllocationStrategy = "quality-first"
	StrategyLoadBalanced     AllocationStrategy = "load-balanced"
	StrategyPriorityWeighted AllocationStrategy = "priority-weighted"
)

// AllocatorConfig configures the chunk allocator
type AllocatorConfig struct {
	Strategy         AllocationStrategy `yaml:"strategy"`
	QualityThreshold float64            `yaml:"quality_threshold"` // Minimum SNR (dB) for a carrier to qualify (default 10)
	LoadFactor       float64            `yaml:"load_factor"`       // Maximum utilization for a carrier to qualify (default 0.8)
}

// PendingChunk is the allocator's view of a chunk awaiting a carrier
type PendingChunk struct {
	ID       string
	Priority float64 // [0,1], rarity-derived
	Size     int     // bytes
}

// ChunkAllocator assigns pending chunks to healthy carriers under a
// selectable strategy. Allocation is a pure function of its inputs: calling
// it again with identical chunks and carrier metrics yields the identical
// mapping, and every chunk is re-evaluated on every call so a carrier's
// quality drop can move a previously allocated chunk elsewhere.
type ChunkAllocator struct {
	strategy         AllocationStrategy
	qualityThreshold float64
	loadFactor       float64
}

// NewChunkAllocator creates an allocator with the given configuration
func NewChunkAllocator(config AllocatorConfig) *ChunkAllocator {
	strategy := config.Strategy
	if strategy == "" {
		strategy = StrategyQualityFirst
	}
	qualityThreshold := config.QualityThreshold
	if qualityThreshold == 0 {
		qualityThreshold = 10
	}
	loadFactor := config.LoadFactor
	if loadFactor == 0 {
		loadFactor = 0.8
	}

	return &ChunkAllocator{
		strategy:         strategy,
		qualityThreshold: qualityThreshold,
		loadFactor:       loadFactor,
	}
}

// Allocate maps chunk ids to carrier ids. Chunks with no qualifying carrier
// are left out of the returned map; the caller retries them on the next
// pass.
func (ca *ChunkAllocator) Allocate(chunks []PendingChunk, carriers []CarrierSnapshot) map[string]int {
	eligible := ca.eligibleCarriers(carriers)
	if len(eligible) == 0 || len(chunks) == 0 {
		return map[string]int{}
	}

	switch ca.strategy {
	case StrategyLoadBalanced:
		return ca.allocateLoadBalanced(chunks, eligible)
	case StrategyPriorityWeighted:
		return ca.allocatePriorityWeighted(chunks, eligible)
	default:
		return ca.allocateQualityFirst(chunks, eligible)
	}
}

// eligibleCarriers drops disabled carriers, carriers below the quality
// threshold, and carriers already loaded past the load factor
func (ca *ChunkAllocator) eligibleCarriers(carriers []CarrierSnapshot) []CarrierSnapshot {
	eligible := make([]CarrierSnapshot, 0, len(carriers))
	for _, c := range carriers {
		if !c.Enabled {
			continue
		}
		if c.SNR < ca.qualityThreshold {
			continue
		}
		if c.Utilization > ca.loadFactor {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

// allocateQualityFirst pairs chunks sorted by priority descending with
// carriers sorted by SNR descending: the highest-priority chunk gets the
// best carrier. Chunks beyond the carrier count wrap around.
func (ca *ChunkAllocator) allocateQualityFirst(chunks []PendingChunk, carriers []CarrierSnapshot) map[string]int {
	sortedChunks := sortChunksByPriority(chunks)
	sortedCarriers := sortCarriersByQuality(carriers)

	allocations := make(map[string]int, len(sortedChunks))
	for i, chunk := range sortedChunks {
		carrier := sortedCarriers[i%len(sortedCarriers)]
		allocations[chunk.ID] = carrier.ID
	}
	return allocations
}

// allocateLoadBalanced distributes chunks round-robin across qualifying
// carriers, ignoring priority, to equalize per-carrier counts
func (ca *ChunkAllocator) allocateLoadBalanced(chunks []PendingChunk, carriers []CarrierSnapshot) map[string]int {
	sortedChunks := make([]PendingChunk, len(chunks))
	copy(sortedChunks, chunks)
	sort.Slice(sortedChunks, func(i, j int) bool {
		return sortedChunks[i].ID < sortedChunks[j].ID
	})

	sortedCarriers := make([]CarrierSnapshot, len(carriers))
	copy(sortedCarriers, carriers)
	sort.Slice(sortedCarriers, func(i, j int) bool {
		return sortedCarriers[i].ID < sortedCarriers[j].ID
	})

	allocations := make(map[string]int, len(sortedChunks))
	for i, chunk := range sortedChunks {
		allocations[chunk.ID] = sortedCarriers[i%len(sortedCarriers)].ID
	}
	return allocations
}

// allocatePriorityWeighted gives top-priority chunks the top-quality
// carriers first, then assigns the remainder by the best priority-quality
// product
func (ca *ChunkAllocator) allocatePriorityWeighted(chunks []PendingChunk, carriers []CarrierSnapshot) map[string]int {
	sortedChunks := sortChunksByPriority(chunks)
	sortedCarriers := sortCarriersByQuality(carriers)

	allocations := make(map[string]int, len(sortedChunks))

	// First wave: direct pairing of the top chunks with the top carriers
	direct := len(sortedCarriers)
	if direct > len(sortedChunks) {
		direct = len(sortedChunks)
	}
	for i := 0; i < direct; i++ {
		allocations[sortedChunks[i].ID] = sortedCarriers[i].ID
	}

	// Remaining chunks: weight carrier choice by priority * normalized
	// quality so urgent chunks still lean toward better carriers
	maxSNR := sortedCarriers[0].SNR
	if maxSNR <= 0 {
		maxSNR = 1
	}
	for _, chunk := range sortedChunks[direct:] {
		bestIdx := 0
		bestScore := -1.0
		for i, carrier := range sortedCarriers {
			score := chunk.Priority * (carrier.SNR / maxSNR) * (1.0 - carrier.Utilization)
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		allocations[chunk.ID] = sortedCarriers[bestIdx].ID
	}

	return allocations
}

// sortChunksByPriority returns a copy sorted by priority descending, ties
// broken by id for deterministic allocation
func sortChunksByPriority(chunks []PendingChunk) []PendingChunk {
	sorted := make([]PendingChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// sortCarriersByQuality returns a copy sorted by SNR descending, ties broken
// by reliability then id
func sortCarriersByQuality(carriers []CarrierSnapshot) []CarrierSnapshot {
	sorted := make([]CarrierSnapshot, len(carriers))
	copy(sorted, carriers)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SNR != sorted[j].SNR {
			return sorted[i].SNR > sorted[j].SNR
		}
		if sorted[i].Reliability != sorted[j].Reliability {
			return sorted[i].Reliability > sorted[j].Reliability
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
