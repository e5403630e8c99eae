// Package layout models the per-tab split-pane tree: terminal leaves and
// split containers, with spatial navigation and the collapse invariant that
// a split never holds fewer than two children.
package layout

import "github.com/google/uuid"

// Direction is a split orientation.
type Direction string

const (
	Horizontal Direction = "horizontal"
	Vertical   Direction = "vertical"
)

// NavDirection is a spatial navigation direction.
type NavDirection string

const (
	NavLeft  NavDirection = "left"
	NavRight NavDirection = "right"
	NavUp    NavDirection = "up"
	NavDown  NavDirection = "down"
)

// NodeType discriminates the Node union.
type NodeType string

const (
	TypeTerminal NodeType = "terminal"
	TypeSplit    NodeType = "split"
)

// Node is a tagged union: a terminal leaf or a split container. The JSON
// shape doubles as the persisted layout format; a persisted leaf's
// SessionID is a reconnect hint, not a liveness guarantee.
type Node struct {
	Type NodeType `json:"type"`

	// Terminal fields
	SessionID string `json:"sessionId,omitempty"`
	FontSize  int    `json:"fontSize,omitempty"`

	// Split fields
	ID        string    `json:"id,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Panels    []*Node   `json:"panels,omitempty"`

	// Size is the node's share of its parent, as a percentage. Zero means
	// "let the renderer decide".
	Size float64 `json:"size,omitempty"`
}

// NewTerminal returns a leaf for the given session.
func NewTerminal(sessionID string) *Node {
	return &Node{Type: TypeTerminal, SessionID: sessionID}
}

// NewSplit returns a split container over the given panels.
func NewSplit(dir Direction, panels ...*Node) *Node {
	return &Node{
		Type:      TypeSplit,
		ID:        "split-" + uuid.NewString(),
		Direction: dir,
		Panels:    panels,
	}
}

// IsTerminal reports whether n is a leaf.
func (n *Node) IsTerminal() bool { return n != nil && n.Type == TypeTerminal }

// IsSplit reports whether n is a split container.
func (n *Node) IsSplit() bool { return n != nil && n.Type == TypeSplit }

// Clone deep-copies a subtree. Snapshots handed outside the orchestrator
// use this so readers never alias the live tree.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := *n
	if len(n.Panels) > 0 {
		out.Panels = make([]*Node, len(n.Panels))
		for i, child := range n.Panels {
			out.Panels[i] = Clone(child)
		}
	}
	return &out
}

// FirstLeaf returns the first terminal in document order, or nil.
func FirstLeaf(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.IsTerminal() {
		return n
	}
	for _, child := range n.Panels {
		if leaf := FirstLeaf(child); leaf != nil {
			return leaf
		}
	}
	return nil
}

// LastLeaf returns the last terminal in document order, or nil.
func LastLeaf(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.IsTerminal() {
		return n
	}
	for i := len(n.Panels) - 1; i >= 0; i-- {
		if leaf := LastLeaf(n.Panels[i]); leaf != nil {
			return leaf
		}
	}
	return nil
}

// SessionIDs returns every leaf session id in document order.
func SessionIDs(n *Node) []string {
	var ids []string
	walk(n, func(leaf *Node) { ids = append(ids, leaf.SessionID) })
	return ids
}

func walk(n *Node, visit func(leaf *Node)) {
	if n == nil {
		return
	}
	if n.IsTerminal() {
		visit(n)
		return
	}
	for _, child := range n.Panels {
		walk(child, visit)
	}
}

// FindLeaf returns the leaf holding sessionID, or nil.
func FindLeaf(n *Node, sessionID string) *Node {
	if n == nil {
		return nil
	}
	if n.IsTerminal() {
		if n.SessionID == sessionID {
			return n
		}
		return nil
	}
	for _, child := range n.Panels {
		if leaf := FindLeaf(child, sessionID); leaf != nil {
			return leaf
		}
	}
	return nil
}

// pathStep is one (ancestor split, child index) pair on the way to a leaf.
type pathStep struct {
	split *Node
	index int
}

// pathTo computes the ancestor path from root to the leaf holding
// sessionID. ok is false when the session is not in the tree.
func pathTo(root *Node, sessionID string) (steps []pathStep, ok bool) {
	if root == nil {
		return nil, false
	}
	if root.IsTerminal() {
		return nil, root.SessionID == sessionID
	}
	for i, child := range root.Panels {
		if sub, found := pathTo(child, sessionID); found {
			return append([]pathStep{{split: root, index: i}}, sub...), true
		}
	}
	return nil, false
}

// Navigate resolves a spatial move from the focused session. It returns the
// session id to focus next; ok is false when the move is a no-op.
//
// The walk runs from the deepest ancestor outward and stops at the first
// split whose orientation matches the direction and whose sibling index is
// in bounds. Entering the sibling subtree lands on the near edge: the first
// leaf when moving right/down, the last leaf when moving left/up.
func Navigate(root *Node, focusedSessionID string, dir NavDirection) (string, bool) {
	if root == nil {
		return "", false
	}

	steps, found := pathTo(root, focusedSessionID)
	if !found {
		// Unknown focus: land on the first leaf instead.
		if leaf := FirstLeaf(root); leaf != nil {
			return leaf.SessionID, true
		}
		return "", false
	}

	var wantDir Direction
	var delta int
	switch dir {
	case NavLeft:
		wantDir, delta = Horizontal, -1
	case NavRight:
		wantDir, delta = Horizontal, +1
	case NavUp:
		wantDir, delta = Vertical, -1
	case NavDown:
		wantDir, delta = Vertical, +1
	default:
		return "", false
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.split.Direction != wantDir {
			continue
		}
		sibling := step.index + delta
		if sibling < 0 || sibling >= len(step.split.Panels) {
			continue
		}
		subtree := step.split.Panels[sibling]
		var leaf *Node
		if delta > 0 {
			leaf = FirstLeaf(subtree)
		} else {
			leaf = LastLeaf(subtree)
		}
		if leaf != nil {
			return leaf.SessionID, true
		}
	}
	return "", false
}

// RemoveSession removes the leaf holding sessionID and re-establishes the
// collapse invariant bottom-up: a split left with one child is replaced by
// that child, a split left with none is dropped. The returned node is the
// new subtree root (nil when nothing remains); removed reports whether the
// leaf was found.
func RemoveSession(n *Node, sessionID string) (result *Node, removed bool) {
	if n == nil {
		return nil, false
	}
	if n.IsTerminal() {
		if n.SessionID == sessionID {
			return nil, true
		}
		return n, false
	}

	for i, child := range n.Panels {
		replacement, ok := RemoveSession(child, sessionID)
		if !ok {
			continue
		}
		if replacement == nil {
			n.Panels = append(n.Panels[:i], n.Panels[i+1:]...)
		} else {
			n.Panels[i] = replacement
		}
		switch len(n.Panels) {
		case 0:
			return nil, true
		case 1:
			return n.Panels[0], true
		default:
			return n, true
		}
	}
	return n, false
}

// InsertSibling places newLeaf next to the leaf holding targetSessionID
// inside a split of the given orientation. When the target's immediate
// parent already splits in that orientation the leaf joins as one more
// sibling instead of nesting. Returns the new root.
func InsertSibling(root *Node, targetSessionID string, dir Direction, newLeaf *Node) *Node {
	if root == nil {
		return newLeaf
	}

	steps, found := pathTo(root, targetSessionID)
	if !found {
		// No target: append at the top level.
		if root.IsSplit() && root.Direction == dir {
			root.Panels = append(root.Panels, newLeaf)
			return root
		}
		return NewSplit(dir, root, newLeaf)
	}

	if len(steps) == 0 {
		// Target is the root leaf itself.
		return NewSplit(dir, root, newLeaf)
	}

	parent := steps[len(steps)-1].split
	idx := steps[len(steps)-1].index
	if parent.Direction == dir {
		parent.Panels = append(parent.Panels, nil)
		copy(parent.Panels[idx+2:], parent.Panels[idx+1:])
		parent.Panels[idx+1] = newLeaf
		return root
	}

	parent.Panels[idx] = NewSplit(dir, parent.Panels[idx], newLeaf)
	return root
}
