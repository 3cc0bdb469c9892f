// Package klist implements the intrusive doubly linked list abstraction
// called for by the kernel's design notes: O(1) splice and iteration without
// allocating a separate node per link. Callers embed a Node in the struct
// they want to link (a *Process, a *Device sibling chain entry, a mount
// table entry, a tick callback) and use List to manage membership.
package klist

// Node is embedded in any struct that needs to belong to a List.
type Node struct {
	prev, next *Node
	list       *List
	self       any
}

// Value returns the value that owns this Node, as passed to List.PushBack
// or List.PushFront.
func (n *Node) Value() any { return n.self }

// List is an intrusive doubly linked list with a sentinel root node, in the
// style of container/list but over caller-embedded Nodes so no allocation
// happens on insert.
type List struct {
	root Node
	len  int
}

// Init (re)initializes an empty list. A zero-value List is also usable:
// PushBack, PushFront, Front and Each initialize it on first use.
func (l *List) Init() *List {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

func (l *List) lazyInit() {
	if l.root.next == nil {
		l.Init()
	}
}

// Len returns the number of elements in the list.
func (l *List) Len() int { return l.len }

func (l *List) insert(n, at *Node) *Node {
	n.prev = at
	n.next = at.next
	n.prev.next = n
	n.next.prev = n
	n.list = l
	l.len++
	return n
}

// PushBack appends a node carrying value to the back of the list.
func (l *List) PushBack(n *Node, value any) {
	l.lazyInit()
	n.self = value
	l.insert(n, l.root.prev)
}

// PushFront prepends a node carrying value to the front of the list.
func (l *List) PushFront(n *Node, value any) {
	l.lazyInit()
	n.self = value
	l.insert(n, &l.root)
}

// Remove splices n out of whatever list it belongs to. It is a no-op if n is
// not currently in a list.
func Remove(n *Node) {
	if n.list == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
	n.list.len--
	n.list = nil
}

// MoveToBack removes n from its current list (if any) and appends it to the
// back of l, matching the "move sleeping process onto the run queue" pattern
// used throughout the scheduler.
func (l *List) MoveToBack(n *Node, value any) {
	Remove(n)
	l.PushBack(n, value)
}

// Front returns the first node in the list, or nil if empty.
func (l *List) Front() *Node {
	l.lazyInit()
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Next returns the node following n, or nil at the end of the list.
func (l *List) Next(n *Node) *Node {
	if next := n.next; n.list == l && next != &l.root {
		return next
	}
	return nil
}

// Each calls fn for every value currently in the list, front to back. fn may
// safely remove the current node from the list (e.g. via Remove), since the
// next pointer is captured before fn runs.
func (l *List) Each(fn func(value any)) {
	l.lazyInit()
	for n := l.root.next; n != &l.root; {
		next := n.next
		fn(n.self)
		n = next
	}
}
