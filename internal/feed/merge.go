package feed

import (
	"slices"

	"github.com/sakif/feedsync/internal/model"
)

// normalizeHead sorts a pushed head window and drops repeated ids. Stores
// deliver it sorted already; this only guards the invariants against a
// misbehaving source.
func normalizeHead(head []model.Post) []model.Post {
	out := slices.Clone(head)
	slices.SortStableFunc(out, model.ComparePosts)
	return slices.CompactFunc(out, func(a, b model.Post) bool { return a.ID == b.ID })
}

// mergeHead folds a fresh head push into the current sequence.
//
// Rules:
//   - every pushed post is present afterwards, at its sorted position; an
//     existing entry with identical content is reused as is
//   - an existing post missing from the push is kept only if it sorts after
//     the push's oldest post (it belongs to the tail, or just slid out of
//     the head); missing posts inside the head's range were deleted
//   - an empty push means the store has no posts in head range at all, so
//     only entries after the previous boundary survive
//
// current must already satisfy the ordering and uniqueness invariants.
func mergeHead(current, head []model.Post, prevBoundary *model.Post) []model.Post {
	head = normalizeHead(head)

	existing := make(map[string]model.Post, len(current))
	for _, p := range current {
		existing[p.ID] = p
	}
	pushed := make(map[string]struct{}, len(head))
	for i, p := range head {
		pushed[p.ID] = struct{}{}
		if old, ok := existing[p.ID]; ok && old.Equal(p) {
			head[i] = old
		}
	}

	var boundary *model.Post
	switch {
	case len(head) > 0:
		boundary = &head[len(head)-1]
	case prevBoundary != nil:
		boundary = prevBoundary
	}

	kept := make([]model.Post, 0, len(current))
	for _, p := range current {
		if _, ok := pushed[p.ID]; ok {
			continue
		}
		if boundary != nil && model.ComparePosts(*boundary, p) >= 0 {
			continue
		}
		kept = append(kept, p)
	}

	return mergeSorted(head, kept)
}

// appendPage adds a page fetched after cursor to the sequence, skipping ids
// already present and anything that doesn't sort strictly after cursor. It
// reports how many posts were actually added.
func appendPage(current, page []model.Post, cursor model.Cursor) ([]model.Post, int) {
	seen := make(map[string]struct{}, len(current))
	for _, p := range current {
		seen[p.ID] = struct{}{}
	}

	fresh := make([]model.Post, 0, len(page))
	for _, p := range page {
		if _, dup := seen[p.ID]; dup || !cursor.After(p) {
			continue
		}
		seen[p.ID] = struct{}{}
		fresh = append(fresh, p)
	}
	slices.SortStableFunc(fresh, model.ComparePosts)

	return mergeSorted(current, fresh), len(fresh)
}

// mergeSorted merges two sorted, mutually disjoint sequences.
func mergeSorted(a, b []model.Post) []model.Post {
	out := make([]model.Post, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if model.ComparePosts(a[i], b[j]) <= 0 {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
