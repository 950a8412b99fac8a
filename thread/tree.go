// Package thread builds and updates threaded comment trees.
//
// The server returns comments as a sequence of roots, each recursively
// carrying its children. Build validates that payload against the tree
// invariants before it is allowed anywhere near the store; InsertReply
// produces an updated tree with copy-on-write semantics so that snapshots
// handed out earlier are never mutated underneath their holders.
package thread

import (
	"fmt"

	"github.com/mlowery/feedmirror/models"
)

// MalformedTreeError reports a server payload that violates the comment tree
// invariants (parent pointer mismatch, duplicate id, cycle).
type MalformedTreeError struct {
	CommentID int64
	Reason    string
}

func (e *MalformedTreeError) Error() string {
	return fmt.Sprintf("malformed comment tree at node %d: %s", e.CommentID, e.Reason)
}

// ParentNotFoundError reports a reply whose parent is not present in the
// local tree. Callers are expected to fall back to a full re-fetch of the
// thread rather than drop the reply: the local tree may simply be stale.
type ParentNotFoundError struct {
	ParentID int64
}

func (e *ParentNotFoundError) Error() string {
	return fmt.Sprintf("parent comment %d not found in local tree", e.ParentID)
}

// Build validates a threaded payload and returns it as the canonical tree.
// Every node's ParentID must match its structural parent and no id may
// appear twice anywhere in the forest. Depth-first order of the input is
// preserved. The input is returned as-is on success; callers own it
// afterwards.
func Build(roots []*models.Comment) ([]*models.Comment, error) {
	seen := make(map[int64]bool)
	for _, root := range roots {
		if root == nil {
			return nil, &MalformedTreeError{Reason: "nil root comment"}
		}
		if root.ParentID != nil {
			return nil, &MalformedTreeError{
				CommentID: root.ID,
				Reason:    fmt.Sprintf("root carries parent_id %d", *root.ParentID),
			}
		}
		if err := validateNode(root, seen); err != nil {
			return nil, err
		}
	}
	return roots, nil
}

func validateNode(node *models.Comment, seen map[int64]bool) error {
	if seen[node.ID] {
		return &MalformedTreeError{CommentID: node.ID, Reason: "duplicate comment id"}
	}
	seen[node.ID] = true

	for _, child := range node.Children {
		if child == nil {
			return &MalformedTreeError{CommentID: node.ID, Reason: "nil child comment"}
		}
		if child.ParentID == nil {
			return &MalformedTreeError{
				CommentID: child.ID,
				Reason:    fmt.Sprintf("child of %d carries no parent_id", node.ID),
			}
		}
		if *child.ParentID != node.ID {
			return &MalformedTreeError{
				CommentID: child.ID,
				Reason:    fmt.Sprintf("parent_id %d does not match structural parent %d", *child.ParentID, node.ID),
			}
		}
		if err := validateNode(child, seen); err != nil {
			return err
		}
	}
	return nil
}

// InsertReply returns a new tree with reply appended to the children of
// parentID. A nil parentID appends the reply as a new root. Only the nodes
// on the path from the root to the parent are copied; untouched subtrees
// are shared with the input, so holders of the previous snapshot see no
// change. Returns ParentNotFoundError when parentID names no local node.
func InsertReply(roots []*models.Comment, parentID *int64, reply *models.Comment) ([]*models.Comment, error) {
	if parentID == nil {
		out := make([]*models.Comment, 0, len(roots)+1)
		out = append(out, roots...)
		out = append(out, reply)
		return out, nil
	}

	for i, root := range roots {
		updated, found := insertAt(root, *parentID, reply)
		if found {
			out := make([]*models.Comment, len(roots))
			copy(out, roots)
			out[i] = updated
			return out, nil
		}
	}
	return nil, &ParentNotFoundError{ParentID: *parentID}
}

// insertAt walks node's subtree depth-first. When it finds the parent it
// returns a copied node with the reply appended; every ancestor on the way
// back up is copied too, children slices included.
func insertAt(node *models.Comment, parentID int64, reply *models.Comment) (*models.Comment, bool) {
	if node.ID == parentID {
		clone := *node
		clone.Children = make([]*models.Comment, 0, len(node.Children)+1)
		clone.Children = append(clone.Children, node.Children...)
		clone.Children = append(clone.Children, reply)
		return &clone, true
	}

	for i, child := range node.Children {
		updated, found := insertAt(child, parentID, reply)
		if !found {
			continue
		}
		clone := *node
		clone.Children = make([]*models.Comment, len(node.Children))
		copy(clone.Children, node.Children)
		clone.Children[i] = updated
		return &clone, true
	}
	return nil, false
}

// Walk visits every node of the forest depth-first, parents before children.
func Walk(roots []*models.Comment, fn func(*models.Comment)) {
	for _, root := range roots {
		walkNode(root, fn)
	}
}

func walkNode(node *models.Comment, fn func(*models.Comment)) {
	fn(node)
	for _, child := range node.Children {
		walkNode(child, fn)
	}
}

// Find returns the node with the given id, or nil if absent.
func Find(roots []*models.Comment, id int64) *models.Comment {
	var found *models.Comment
	Walk(roots, func(c *models.Comment) {
		if c.ID == id {
			found = c
		}
	})
	return found
}

// Count returns the number of nodes in the forest.
func Count(roots []*models.Comment) int {
	n := 0
	Walk(roots, func(*models.Comment) { n++ })
	return n
}
