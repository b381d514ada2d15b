package callqueue

import (
	"sort"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// WorkQueue is the priority-ordered set of pending assignment requests.
// Order: priority descending, then enqueuedAt ascending, then insertion.
// At most one item exists per conversation. Not safe for concurrent use;
// the Dispatcher serializes access.
type WorkQueue struct {
	items  []*types.QueueItem
	byConv map[string]*types.QueueItem
	seq    uint64
}

// NewWorkQueue creates an empty work queue
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		items:  make([]*types.QueueItem, 0),
		byConv: make(map[string]*types.QueueItem),
	}
}

// Upsert inserts item, or replaces the entry for the same conversation.
// A replacement takes the new priority and details but keeps the original
// id and enqueue time so the wait keeps counting from first arrival.
func (q *WorkQueue) Upsert(item types.QueueItem) (stored types.QueueItem, replaced bool) {
	if existing, ok := q.byConv[item.ConversationID]; ok {
		item.ID = existing.ID
		item.EnqueuedAt = existing.EnqueuedAt
		item.Seq = existing.Seq
		*existing = item
		q.sort()
		return *existing, true
	}

	q.seq++
	item.Seq = q.seq
	stored = item
	ptr := &stored
	q.items = append(q.items, ptr)
	q.byConv[item.ConversationID] = ptr
	q.sort()
	return stored, false
}

// Get returns the item for a conversation
func (q *WorkQueue) Get(conversationID string) (types.QueueItem, bool) {
	item, ok := q.byConv[conversationID]
	if !ok {
		return types.QueueItem{}, false
	}
	return *item, true
}

// SetPriority changes an item's priority and re-sorts
func (q *WorkQueue) SetPriority(conversationID string, priority int) bool {
	item, ok := q.byConv[conversationID]
	if !ok {
		return false
	}
	item.Priority = priority
	q.sort()
	return true
}

// Remove drops the item for a conversation
func (q *WorkQueue) Remove(conversationID string) (types.QueueItem, bool) {
	item, ok := q.byConv[conversationID]
	if !ok {
		return types.QueueItem{}, false
	}
	delete(q.byConv, conversationID)
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return *item, true
}

// Ordered returns copies of all items in dispatch order
func (q *WorkQueue) Ordered() []types.QueueItem {
	result := make([]types.QueueItem, len(q.items))
	for i, it := range q.items {
		result[i] = *it
	}
	return result
}

// Len returns the number of queued items
func (q *WorkQueue) Len() int {
	return len(q.items)
}

func (q *WorkQueue) sort() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return less(q.items[i], q.items[j])
	})
}

func less(a, b *types.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Seq < b.Seq
}
