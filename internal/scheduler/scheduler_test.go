package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, weights []int, distribute bool) *Scheduler {
	t.Helper()
	specs := make([]SlotSpec, len(weights))
	for i, w := range weights {
		specs[i] = SlotSpec{Device: i, Name: "GPU", Weight: w, Port: 9000 + i}
	}
	return New(specs, len(weights) > 1, distribute, zap.NewNop().Sugar())
}

func TestPickOneWeightedFairness(t *testing.T) {
	weights := []int{3, 1}
	s := newTestScheduler(t, weights, true)

	counts := map[int]int{}
	// Two full cycles of the summed weight.
	for i := 0; i < 8; i++ {
		slot := s.PickOne()
		require.NotNil(t, slot)
		counts[slot.Device]++
	}
	assert.Equal(t, 6, counts[0])
	assert.Equal(t, 2, counts[1])
}

func TestPickOnePrefersIdleSlot(t *testing.T) {
	s := newTestScheduler(t, []int{3, 1}, true)
	s.MarkBusy(0, true)

	slot := s.PickOne()
	require.NotNil(t, slot)
	assert.Equal(t, 1, slot.Device)
}

func TestPickOneAllBusyStillPicks(t *testing.T) {
	s := newTestScheduler(t, []int{2, 1}, true)
	s.MarkBusy(0, true)
	s.MarkBusy(1, true)

	slot := s.PickOne()
	require.NotNil(t, slot)
	assert.Equal(t, 0, slot.Device)
}

func TestPickOneNoUsableSlots(t *testing.T) {
	s := newTestScheduler(t, []int{1, 1}, true)
	s.MarkUnusable(0)
	s.MarkUnusable(1)
	assert.Nil(t, s.PickOne())
}

func TestDistributeConservation(t *testing.T) {
	tests := []struct {
		name    string
		weights []int
		total   int
		want    []Assignment
	}{
		{
			name:    "weighted 3:1 split of 8",
			weights: []int{3, 1},
			total:   8,
			want: []Assignment{
				{Device: 0, Name: "GPU", Images: 6},
				{Device: 1, Name: "GPU", Images: 2},
			},
		},
		{
			name:    "even split of 10 over 3, remainder to last",
			weights: []int{1, 1, 1},
			total:   10,
			want: []Assignment{
				{Device: 0, Name: "GPU", Images: 3},
				{Device: 1, Name: "GPU", Images: 3},
				{Device: 2, Name: "GPU", Images: 4},
			},
		},
		{
			name:    "single image goes to heaviest slot",
			weights: []int{2, 1},
			total:   1,
			want:    []Assignment{{Device: 0, Name: "GPU", Images: 1}},
		},
		{
			name:    "zero shares dropped",
			weights: []int{1, 100},
			total:   2,
			want:    []Assignment{{Device: 1, Name: "GPU", Images: 2}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestScheduler(t, tc.weights, true)
			got := s.Distribute(tc.total)
			assert.Equal(t, tc.want, got)

			sum := 0
			seen := map[int]bool{}
			for _, a := range got {
				require.Greater(t, a.Images, 0)
				require.False(t, seen[a.Device], "device %d assigned twice", a.Device)
				seen[a.Device] = true
				sum += a.Images
			}
			assert.Equal(t, tc.total, sum)
		})
	}
}

func TestDistributeDisabledUsesSingleSlot(t *testing.T) {
	s := newTestScheduler(t, []int{1, 3}, false)
	got := s.Distribute(8)
	assert.Equal(t, []Assignment{{Device: 1, Name: "GPU", Images: 8}}, got)
}

func TestDistributeFallsBackToBusySlots(t *testing.T) {
	s := newTestScheduler(t, []int{3, 1}, true)
	s.MarkBusy(0, true)
	s.MarkBusy(1, true)

	got := s.Distribute(4)
	require.NotEmpty(t, got)
	sum := 0
	for _, a := range got {
		sum += a.Images
	}
	assert.Equal(t, 4, sum)
}

func TestDistributeSkipsBusySlot(t *testing.T) {
	s := newTestScheduler(t, []int{3, 1}, true)
	s.MarkBusy(0, true)

	got := s.Distribute(4)
	assert.Equal(t, []Assignment{{Device: 1, Name: "GPU", Images: 4}}, got)
}

func TestDistributeNoUsableSlots(t *testing.T) {
	s := newTestScheduler(t, []int{1}, true)
	s.MarkUnusable(0)
	assert.Nil(t, s.Distribute(3))
}

func TestSlotsSnapshotReflectsBusy(t *testing.T) {
	s := newTestScheduler(t, []int{2, 1}, true)
	s.MarkBusy(1, true)

	slots := s.Slots()
	require.Len(t, slots, 2)
	assert.False(t, slots[0].Busy)
	assert.True(t, slots[1].Busy)
	assert.Equal(t, 9000, slots[0].Port)

	s.MarkUnusable(0)
	assert.True(t, s.Slots()[0].Busy)
}
