package app

import (
	"hash/fnv"
	"sync"
)

const sequencerStripes = 64

// sequencer serializes control operations of one session inside this
// process, so broadcasts leave in the same order the mutations committed.
// It is advisory: correctness across processes comes from the store's
// optimistic writes and the version carried on every event.
type sequencer struct {
	stripes [sequencerStripes]sync.Mutex
}

func (s *sequencer) lock(accessCode string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accessCode))
	mu := &s.stripes[h.Sum32()%sequencerStripes]
	mu.Lock()
	return mu.Unlock
}
