package scheduler

import (
	"container/heap"
	"time"

	"pewpost/internal/post"
)

type item struct {
	post  post.ScheduledPost
	seq   uint64
	index int
}

// queue orders posts by ScheduledTime, then Priority (higher first), then
// insertion order. Owned by the scheduler loop; not safe for concurrent use.
type queue struct {
	items []*item
	byID  map[string]*item
	seq   uint64
}

func newQueue() *queue { return &queue{byID: map[string]*item{}} }

func (q *queue) Len() int { return len(q.items) }

func (q *queue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.post.ScheduledTime.Equal(b.post.ScheduledTime) {
		return a.post.ScheduledTime.Before(b.post.ScheduledTime)
	}
	if a.post.Priority != b.post.Priority {
		return a.post.Priority > b.post.Priority
	}
	return a.seq < b.seq
}

func (q *queue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *queue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	return it
}

func (q *queue) push(p post.ScheduledPost) {
	q.seq++
	it := &item{post: p, seq: q.seq}
	heap.Push(q, it)
	q.byID[p.ID] = it
}

func (q *queue) peek() (post.ScheduledPost, bool) {
	if len(q.items) == 0 {
		return post.ScheduledPost{}, false
	}
	return q.items[0].post, true
}

// popDue removes up to limit posts due at or before now, in queue order.
func (q *queue) popDue(now time.Time, limit int) []post.ScheduledPost {
	var out []post.ScheduledPost
	for len(q.items) > 0 && len(out) < limit {
		if q.items[0].post.ScheduledTime.After(now) {
			break
		}
		it := heap.Pop(q).(*item)
		delete(q.byID, it.post.ID)
		out = append(out, it.post)
	}
	return out
}

func (q *queue) remove(id string) (post.ScheduledPost, bool) {
	it, ok := q.byID[id]
	if !ok {
		return post.ScheduledPost{}, false
	}
	heap.Remove(q, it.index)
	delete(q.byID, id)
	return it.post, true
}
