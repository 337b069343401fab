package scheduler

import (
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SlotSpec is the startup description of one GPU slot.
type SlotSpec struct {
	Device int
	Name   string
	Weight int
	Port   int
}

// SlotView is an immutable snapshot of a slot for API responses.
type SlotView struct {
	Device int    `json:"device"`
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Port   int    `json:"port"`
	Busy   bool   `json:"busy"`
}

// Assignment pairs a slot with the share of images it must produce.
type Assignment struct {
	Device int
	Name   string
	Images int
}

type slot struct {
	spec          SlotSpec
	busy          bool
	unusable      bool
	currentWeight int
}

// Scheduler tracks GPU slots and their busy flags, picks single slots by
// weighted round-robin and splits image counts across slots by weight.
// All methods are safe for concurrent use.
type Scheduler struct {
	mu           sync.Mutex
	slots        []*slot
	multiEnabled bool
	distribute   bool
	log          *zap.SugaredLogger
}

// New creates a scheduler. distribute controls whether Distribute fans a
// request out across several slots or always targets a single one.
func New(specs []SlotSpec, multiEnabled, distribute bool, log *zap.SugaredLogger) *Scheduler {
	s := &Scheduler{multiEnabled: multiEnabled, distribute: distribute, log: log}
	for _, spec := range specs {
		if spec.Weight < 1 {
			spec.Weight = 1
		}
		s.slots = append(s.slots, &slot{spec: spec, currentWeight: spec.Weight})
	}
	for _, sl := range s.slots {
		log.Infow("registered gpu slot", "device", sl.spec.Device, "name", sl.spec.Name, "weight", sl.spec.Weight)
	}
	return s
}

// MultiEnabled reports whether multi-GPU mode was enabled at startup.
func (s *Scheduler) MultiEnabled() bool {
	return s.multiEnabled
}

// Slots returns a snapshot of every slot in declaration order.
func (s *Scheduler) Slots() []SlotView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.slots, func(sl *slot, _ int) SlotView {
		return SlotView{
			Device: sl.spec.Device,
			Name:   sl.spec.Name,
			Weight: sl.spec.Weight,
			Port:   sl.spec.Port,
			Busy:   sl.busy || sl.unusable,
		}
	})
}

// PickOne selects a single slot by weighted round-robin: the non-busy slot
// with the highest remaining weight, or the highest remaining weight
// overall when every slot is busy. Ties resolve to declaration order. The
// chosen slot's remaining weight is decremented; when all reach zero every
// slot refills to its configured weight. Returns nil when no usable slot
// exists.
func (s *Scheduler) PickOne() *SlotView {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := s.pickLocked(true)
	if best == nil {
		best = s.pickLocked(false)
	}
	if best == nil {
		return nil
	}

	best.currentWeight--
	if lo.EveryBy(s.slots, func(sl *slot) bool { return sl.unusable || sl.currentWeight <= 0 }) {
		for _, sl := range s.slots {
			sl.currentWeight = sl.spec.Weight
		}
	}

	v := SlotView{
		Device: best.spec.Device,
		Name:   best.spec.Name,
		Weight: best.spec.Weight,
		Port:   best.spec.Port,
		Busy:   best.busy,
	}
	return &v
}

func (s *Scheduler) pickLocked(skipBusy bool) *slot {
	var best *slot
	for _, sl := range s.slots {
		if sl.unusable || (skipBusy && sl.busy) {
			continue
		}
		if best == nil || sl.currentWeight > best.currentWeight {
			best = sl
		}
	}
	return best
}

// Distribute splits totalImages across slots proportional to weight. The
// returned counts always sum to totalImages and no device repeats. A nil
// result means no usable slot exists.
func (s *Scheduler) Distribute(totalImages int) []Assignment {
	if totalImages < 1 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := lo.Filter(s.slots, func(sl *slot, _ int) bool { return !sl.unusable && !sl.busy })
	if len(candidates) == 0 {
		// Every slot is occupied: queue the whole batch behind the full
		// table rather than refusing the request.
		candidates = lo.Filter(s.slots, func(sl *slot, _ int) bool { return !sl.unusable })
	}
	if len(candidates) == 0 {
		return nil
	}

	if !s.distribute || totalImages <= 1 || len(candidates) == 1 {
		best := candidates[0]
		for _, sl := range candidates[1:] {
			if sl.spec.Weight > best.spec.Weight {
				best = sl
			}
		}
		return []Assignment{{Device: best.spec.Device, Name: best.spec.Name, Images: totalImages}}
	}

	totalWeight := lo.SumBy(candidates, func(sl *slot) int { return sl.spec.Weight })
	out := make([]Assignment, 0, len(candidates))
	remaining := totalImages
	for i, sl := range candidates {
		var n int
		if i == len(candidates)-1 {
			n = remaining
		} else {
			n = totalImages * sl.spec.Weight / totalWeight
		}
		if n <= 0 {
			continue
		}
		remaining -= n
		out = append(out, Assignment{Device: sl.spec.Device, Name: sl.spec.Name, Images: n})
	}
	return out
}

// MarkBusy flips the busy flag of a device. Unknown devices are ignored.
func (s *Scheduler) MarkBusy(device int, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if sl.spec.Device == device {
			sl.busy = busy
			return
		}
	}
}

// MarkUnusable permanently removes a device from scheduling. Used when a
// worker never passes its readiness probe or exits without replacement.
func (s *Scheduler) MarkUnusable(device int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if sl.spec.Device == device {
			sl.unusable = true
			s.log.Warnw("gpu slot marked unusable", "device", device, "name", sl.spec.Name)
			return
		}
	}
}
