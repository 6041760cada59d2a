// internal/reservation/queue.go
package reservation

import (
	"container/list"

	"github.com/google/uuid"
)

// queue is the FIFO of one title: a doubly linked list in placement order
// with an index from member to list element, so removal from the middle
// never scans.
type queue struct {
	order *list.List
	index map[uuid.UUID]*list.Element
}

func newQueue() *queue {
	return &queue{
		order: list.New(),
		index: make(map[uuid.UUID]*list.Element),
	}
}

func (q *queue) len() int {
	return q.order.Len()
}

func (q *queue) contains(memberID uuid.UUID) bool {
	_, ok := q.index[memberID]
	return ok
}

func (q *queue) pushBack(h Hold) {
	q.index[h.MemberID] = q.order.PushBack(h)
}

func (q *queue) front() (Hold, bool) {
	e := q.order.Front()
	if e == nil {
		return Hold{}, false
	}
	return e.Value.(Hold), true
}

func (q *queue) popFront() (Hold, bool) {
	h, ok := q.front()
	if !ok {
		return Hold{}, false
	}
	q.order.Remove(q.order.Front())
	delete(q.index, h.MemberID)
	return h, true
}

func (q *queue) remove(memberID uuid.UUID) (Hold, bool) {
	e, ok := q.index[memberID]
	if !ok {
		return Hold{}, false
	}
	q.order.Remove(e)
	delete(q.index, memberID)
	return e.Value.(Hold), true
}

// position is 1-based; zero means the member is not queued.
func (q *queue) position(memberID uuid.UUID) int {
	target, ok := q.index[memberID]
	if !ok {
		return 0
	}
	pos := 1
	for e := q.order.Front(); e != target; e = e.Next() {
		pos++
	}
	return pos
}

func (q *queue) holds() []Hold {
	out := make([]Hold, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Hold))
	}
	return out
}
