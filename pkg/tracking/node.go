// Package tracking provides the resource tree used to cascade-close everything a
// pooled session spawned (commands, cursors) when the session is returned.
//
// A Node belongs to exactly one trackable resource (its owner). Parents hold
// only weak references to their children, so tracking never keeps a resource
// alive: a child that was dropped without being closed is pruned the next time
// the parent walks its children. Children hold a strong reference to their
// parent, which only shares the parent's lifetime with the child.
//
// Activity is recorded at the root. MarkUsed on any node writes a single
// timestamp on the root, so "when was this session last used" is one atomic
// load regardless of how many children exist.
package tracking

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

// nowFunc returns the current time; it's overridden in tests.
var nowFunc = time.Now

// Node is a node in a resource tree. The zero value is not usable; create
// nodes with NewRoot or NewChild.
type Node struct {
	parent *Node
	owner  io.Closer

	// lastUsed holds unix nanoseconds. Only the root's value is meaningful;
	// zero means the resource is not currently checked out.
	lastUsed atomic.Int64

	mu       sync.Mutex // guards children
	children map[weak.Pointer[Node]]struct{}
}

// NewRoot creates a parentless node owned by owner.
func NewRoot(owner io.Closer) *Node {
	return &Node{owner: owner}
}

// NewChild creates a node owned by owner and registers it under parent. A nil
// parent yields a root.
func NewChild(parent *Node, owner io.Closer) *Node {
	n := &Node{parent: parent, owner: owner}
	if parent != nil {
		parent.AddChild(n)
	}
	return n
}

// Parent returns the node's parent, or nil for a root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Owner returns the resource this node tracks.
func (n *Node) Owner() io.Closer {
	return n.owner
}

// Root returns the top-most ancestor of n.
func (n *Node) Root() *Node {
	r := n
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// AddChild registers child under n and marks n used.
func (n *Node) AddChild(child *Node) {
	if child == nil {
		return
	}
	n.mu.Lock()
	if n.children == nil {
		n.children = make(map[weak.Pointer[Node]]struct{})
	}
	n.children[weak.Make(child)] = struct{}{}
	n.mu.Unlock()

	n.MarkUsed()
}

// RemoveChild unregisters child. Removing a child that is absent, already
// pruned or nil is a no-op.
func (n *Node) RemoveChild(child *Node) {
	if child == nil {
		return
	}
	n.mu.Lock()
	delete(n.children, weak.Make(child))
	n.mu.Unlock()
}

// Detach removes n from its parent's child set.
func (n *Node) Detach() {
	if n.parent != nil {
		n.parent.RemoveChild(n)
	}
}

// Children returns the live children of n. Entries whose node has been
// garbage collected are pruned as a side effect.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	live := make([]*Node, 0, len(n.children))
	for wp := range n.children {
		child := wp.Value()
		if child == nil {
			delete(n.children, wp)
			continue
		}
		live = append(live, child)
	}
	return live
}

// Len returns the number of registered children, including ones not yet
// pruned.
func (n *Node) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.children)
}

// CloseChildren closes the owner of every live child until the child set is
// empty, so children registered while the cascade runs are closed too. Each
// child is unregistered before its owner is closed and is attempted once.
// Individual failures are collected and returned as one
// *poolerrors.CascadeError naming resource.
func (n *Node) CloseChildren(resource string) error {
	var errs poolerrors.Collector
	for {
		children := n.Children()
		if len(children) == 0 {
			break
		}
		for _, child := range children {
			n.RemoveChild(child)
			if child.owner != nil {
				errs.Add(child.owner.Close())
			}
		}
	}
	return errs.Err(resource)
}

// MarkUsed records activity now. The timestamp is written on the root.
func (n *Node) MarkUsed() {
	n.Root().lastUsed.Store(nowFunc().UnixNano())
}

// SetLastUsed records activity at t on the root.
func (n *Node) SetLastUsed(t time.Time) {
	n.Root().lastUsed.Store(t.UnixNano())
}

// ResetLastUsed clears the root's activity marker.
func (n *Node) ResetLastUsed() {
	n.Root().lastUsed.Store(0)
}

// LastUsedNanos returns the root's activity marker in unix nanoseconds, or 0.
func (n *Node) LastUsedNanos() int64 {
	return n.Root().lastUsed.Load()
}

// LastUsed returns the root's activity marker, or the zero time when unset.
func (n *Node) LastUsed() time.Time {
	ns := n.LastUsedNanos()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// IdleFor returns how long the tree has gone without activity. It returns 0
// when no marker is set.
func (n *Node) IdleFor(now time.Time) time.Duration {
	ns := n.LastUsedNanos()
	if ns == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, ns))
}
