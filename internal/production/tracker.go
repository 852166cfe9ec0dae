package production

import (
	"container/heap"
	"sync"
	"time"
)

// ReadySlot identifies a job that has reached its completion time.
type ReadySlot struct {
	Station     string
	Owner       string
	Index       int
	JobID       string
	Result      string
	CompletesAt time.Time
}

type trackedJob struct {
	ReadySlot
	pos int
}

// readyHeap is a min-heap of jobs ordered by completion time.
type readyHeap []*trackedJob

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool { return h[i].CompletesAt.Before(h[j].CompletesAt) }

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *readyHeap) Push(x any) {
	t := x.(*trackedJob)
	t.pos = len(*h)
	*h = append(*h, t)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.pos = -1
	return t
}

type slotKey struct {
	station string
	index   int
}

// ReadyTracker reports jobs as they pass their completion time. It holds
// no authority over slot state; it only schedules notifications.
type ReadyTracker struct {
	mu    sync.Mutex
	heap  readyHeap
	index map[slotKey]*trackedJob
}

// NewReadyTracker creates an empty tracker.
func NewReadyTracker() *ReadyTracker {
	return &ReadyTracker{index: make(map[slotKey]*trackedJob)}
}

// Track schedules every in-progress job of st, replacing older entries for
// the same slots.
func (t *ReadyTracker) Track(st *Station) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sl := range st.Slots {
		if sl.Job == nil {
			t.remove(slotKey{st.ID, sl.Index})
			continue
		}
		t.add(ReadySlot{
			Station:     st.ID,
			Owner:       st.Owner,
			Index:       sl.Index,
			JobID:       sl.Job.ID,
			Result:      string(sl.Job.Result),
			CompletesAt: sl.Job.CompletesAt,
		})
	}
}

// Add schedules a single job.
func (t *ReadyTracker) Add(r ReadySlot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(r)
}

func (t *ReadyTracker) add(r ReadySlot) {
	k := slotKey{r.Station, r.Index}
	if old, ok := t.index[k]; ok {
		if old.JobID == r.JobID {
			return
		}
		heap.Remove(&t.heap, old.pos)
	}
	tj := &trackedJob{ReadySlot: r}
	heap.Push(&t.heap, tj)
	t.index[k] = tj
}

// Forget drops the entry for one slot.
func (t *ReadyTracker) Forget(station string, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(slotKey{station, index})
}

// ForgetStation drops every entry of a station.
func (t *ReadyTracker) ForgetStation(station string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.index {
		if k.station == station {
			t.remove(k)
		}
	}
}

func (t *ReadyTracker) remove(k slotKey) {
	if old, ok := t.index[k]; ok {
		heap.Remove(&t.heap, old.pos)
		delete(t.index, k)
	}
}

// Update pops every job completed by now, earliest first.
func (t *ReadyTracker) Update(now time.Time) []ReadySlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ReadySlot
	for len(t.heap) > 0 && !now.Before(t.heap[0].CompletesAt) {
		tj := heap.Pop(&t.heap).(*trackedJob)
		delete(t.index, slotKey{tj.Station, tj.Index})
		out = append(out, tj.ReadySlot)
	}
	return out
}

// Next returns the earliest pending completion time.
func (t *ReadyTracker) Next() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.heap) == 0 {
		return time.Time{}, false
	}
	return t.heap[0].CompletesAt, true
}

// Len returns the number of scheduled jobs.
func (t *ReadyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap)
}
