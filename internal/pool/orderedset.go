package pool

import (
	"container/list"

	"github.com/nexusdb/nexus-go-sdk/internal/xconn"
)

// orderedSet is an insertion-ordered set of *xconn.Connection keyed by
// node id, supporting O(1) "move to tail" for round-robin reinsertion and
// O(1) removal by node id.
type orderedSet struct {
	order *list.List
	byKey map[uint32]*list.Element
}

func newOrderedSet() *orderedSet {
	return &orderedSet{order: list.New(), byKey: map[uint32]*list.Element{}}
}

func (s *orderedSet) insertTail(nodeID uint32, conn *xconn.Connection) {
	if el, ok := s.byKey[nodeID]; ok {
		s.order.Remove(el)
	}
	el := s.order.PushBack(conn)
	s.byKey[nodeID] = el
}

func (s *orderedSet) remove(nodeID uint32) (*xconn.Connection, bool) {
	el, ok := s.byKey[nodeID]
	if !ok {
		return nil, false
	}
	s.order.Remove(el)
	delete(s.byKey, nodeID)
	return el.Value.(*xconn.Connection), true
}

func (s *orderedSet) get(nodeID uint32) (*xconn.Connection, bool) {
	el, ok := s.byKey[nodeID]
	if !ok {
		return nil, false
	}
	return el.Value.(*xconn.Connection), true
}

func (s *orderedSet) len() int { return s.order.Len() }

// front returns the head of the insertion order without removing it.
func (s *orderedSet) front() (*xconn.Connection, bool) {
	el := s.order.Front()
	if el == nil {
		return nil, false
	}
	return el.Value.(*xconn.Connection), true
}

// rotateToTail re-inserts a connection at the tail, so repeated selection
// walks the set round-robin.
func (s *orderedSet) rotateToTail(nodeID uint32) {
	if conn, ok := s.get(nodeID); ok {
		s.insertTail(nodeID, conn)
	}
}

func (s *orderedSet) all() []*xconn.Connection {
	out := make([]*xconn.Connection, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*xconn.Connection))
	}
	return out
}
