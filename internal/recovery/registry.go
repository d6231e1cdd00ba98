package recovery

import (
	"sort"
	"sync"

	"github.com/birdayz/gtfo/internal/kafka"
	"github.com/birdayz/gtfo/internal/store"
)

type Status int

const (
	StatusAssigning Status = iota
	StatusRecovering
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusAssigning:
		return "assigning"
	case StatusRecovering:
		return "recovering"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// RecoveryTask tracks the replay of one changelog partition.
type RecoveryTask struct {
	Partition     int32
	LowWatermark  int64
	HighWatermark int64
	// StableOffset is the last stable offset of the changelog. Replay is
	// complete once the store reaches it.
	StableOffset int64
	// StoredOffset is the next changelog offset the store expects.
	StoredOffset int64
	// Changelog is the changelog partition, at the offset replay started.
	Changelog kafka.TopicPartition

	positioned bool
	done       bool
	// stalls counts quiet rounds in which neither the stable offset nor the
	// consumer position moved.
	stalls       int
	lastPosition int64
}

// PartitionState is everything the controller knows about an owned
// partition number. Several primary topics with the same partition number
// share one store.
type PartitionState struct {
	Partition int32
	Store     *store.Store
	Status    Status
	Recovery  *RecoveryTask
	Primaries []kafka.TopicPartition
}

// PartitionRegistry maps owned partitions to their state. The generation
// is bumped on every assignment change so that a replay in progress can
// notice it was interrupted.
type PartitionRegistry struct {
	mu         sync.Mutex
	generation uint64
	partitions map[int32]*PartitionState
}

func newPartitionRegistry() *PartitionRegistry {
	return &PartitionRegistry{partitions: make(map[int32]*PartitionState)}
}

// Generation returns the current assignment generation.
func (r *PartitionRegistry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Partitions returns the owned partition numbers in ascending order.
func (r *PartitionRegistry) Partitions() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *PartitionRegistry) sortedLocked() []int32 {
	out := make([]int32, 0, len(r.partitions))
	for p := range r.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Status returns the status of a partition; ok is false if it is not owned.
func (r *PartitionRegistry) Status(partition int32) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.partitions[partition]
	if !ok {
		return 0, false
	}
	return s.Status, true
}

func (r *PartitionRegistry) recoveringLocked() []*RecoveryTask {
	var out []*RecoveryTask
	for _, p := range r.sortedLocked() {
		if t := r.partitions[p].Recovery; t != nil {
			out = append(out, t)
		}
	}
	return out
}
