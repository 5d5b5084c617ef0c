package delivery

import (
	"container/heap"
	"sync"
	"time"

	"memorable/internal/model"
)

// JobStore holds pending jobs keyed by occasion id and ordered by trigger
// time. Jobs with equal trigger times keep insertion order.
//
// Every method is atomic; the scheduler loop is the only writer.
type JobStore struct {
	mu    sync.Mutex
	items jobHeap
	byID  map[model.OccasionID]*storeItem
	seq   uint64
}

type storeItem struct {
	job   Job
	seq   uint64
	index int
}

func NewJobStore() *JobStore {
	return &JobStore{byID: map[model.OccasionID]*storeItem{}}
}

// Add inserts j. ErrDuplicateJob if a job with the same id is pending.
func (s *JobStore) Add(j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[j.ID]; ok {
		return duplicateJobError(j)
	}
	s.push(j)
	return nil
}

// Replace upserts j and reports whether a previous job was overwritten.
func (s *JobStore) Replace(j Job) (bool, error) {
	if err := j.validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byID[j.ID]; ok {
		it.job = j
		s.seq++
		it.seq = s.seq
		heap.Fix(&s.items, it.index)
		return true, nil
	}
	s.push(j)
	return false, nil
}

func (s *JobStore) push(j Job) {
	s.seq++
	it := &storeItem{job: j, seq: s.seq}
	heap.Push(&s.items, it)
	s.byID[j.ID] = it
}

// Remove deletes the job for id and returns it.
func (s *JobStore) Remove(id model.OccasionID) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return Job{}, false
	}
	heap.Remove(&s.items, it.index)
	delete(s.byID, id)
	return it.job, true
}

func (s *JobStore) Get(id model.OccasionID) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byID[id]; ok {
		return it.job, true
	}
	return Job{}, false
}

// DueBefore removes and returns every job with TriggerTime <= t, earliest
// first. The caller owns the returned jobs.
func (s *JobStore) DueBefore(t time.Time) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for len(s.items) > 0 && !s.items[0].job.TriggerTime.After(t) {
		it := heap.Pop(&s.items).(*storeItem)
		delete(s.byID, it.job.ID)
		due = append(due, it.job)
	}
	return due
}

// NextTrigger is the earliest pending trigger time.
func (s *JobStore) NextTrigger() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return time.Time{}, false
	}
	return s.items[0].job.TriggerTime, true
}

func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Jobs returns the pending jobs in no particular order.
func (s *JobStore) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.job)
	}
	return out
}

type jobHeap []*storeItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	ti, tj := h[i].job.TriggerTime, h[j].job.TriggerTime
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	it := x.(*storeItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
