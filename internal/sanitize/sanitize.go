// Package sanitize flattens self-referential mention graphs (reply chains,
// quoted posts, threads) into bounded, acyclic trees.
package sanitize

import "mentionbot/internal/domain"

// DefaultMaxDepth bounds reference nesting when the caller passes maxDepth <= 0.
const DefaultMaxDepth = 3

// Mention returns a copy of m whose InReplyTo/Quoted/Thread nesting is at most
// maxDepth levels deep and contains no cycles. Nodes that would exceed the
// depth, or that repeat an ancestor, are replaced by stubs carrying only id,
// text and author handle. A nil mention yields nil.
//
// Sanitizing an already-sanitized tree returns an equal tree.
func Mention(m *domain.Mention, maxDepth int) *domain.Mention {
	if m == nil {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	w := walker{maxDepth: maxDepth}
	return w.visit(m, 0)
}

// Batch sanitizes every mention in ms, dropping nothing.
func Batch(ms []domain.Mention, maxDepth int) []domain.Mention {
	out := make([]domain.Mention, 0, len(ms))
	for i := range ms {
		out = append(out, *Mention(&ms[i], maxDepth))
	}
	return out
}

type walker struct {
	maxDepth int
	// ancestors is the current root-to-node path.
	ancestors []*domain.Mention
}

func (w *walker) visit(n *domain.Mention, depth int) *domain.Mention {
	if n.Stub || depth >= w.maxDepth || w.isAncestor(n) {
		return stub(n)
	}

	out := &domain.Mention{
		ID:             n.ID,
		Source:         n.Source,
		ChatID:         n.ChatID,
		AuthorID:       n.AuthorID,
		AuthorHandle:   n.AuthorHandle,
		Text:           n.Text,
		CreatedAt:      n.CreatedAt,
		InReplyToID:    n.InReplyToID,
		ConversationID: n.ConversationID,
	}

	w.ancestors = append(w.ancestors, n)
	defer func() { w.ancestors = w.ancestors[:len(w.ancestors)-1] }()

	if n.InReplyTo != nil {
		out.InReplyTo = w.visit(n.InReplyTo, depth+1)
	}
	if n.Quoted != nil {
		out.Quoted = w.visit(n.Quoted, depth+1)
	}
	for _, t := range n.Thread {
		if t == nil {
			continue
		}
		out.Thread = append(out.Thread, w.visit(t, depth+1))
	}
	return out
}

// isAncestor matches by pointer identity, or by id when both ids are set.
func (w *walker) isAncestor(n *domain.Mention) bool {
	for _, a := range w.ancestors {
		if a == n {
			return true
		}
		if n.ID != "" && a.ID == n.ID {
			return true
		}
	}
	return false
}

func stub(n *domain.Mention) *domain.Mention {
	return &domain.Mention{
		ID:           n.ID,
		Text:         n.Text,
		AuthorHandle: n.AuthorHandle,
		Stub:         true,
	}
}

// Depth reports the deepest reference nesting below m; a lone mention has
// depth 0. m must be acyclic, i.e. already sanitized.
func Depth(m *domain.Mention) int {
	if m == nil {
		return 0
	}
	deepest := 0
	children := make([]*domain.Mention, 0, 2+len(m.Thread))
	children = append(children, m.InReplyTo, m.Quoted)
	children = append(children, m.Thread...)
	for _, c := range children {
		if c == nil {
			continue
		}
		if d := 1 + Depth(c); d > deepest {
			deepest = d
		}
	}
	return deepest
}
