// Package announce implements the BEP-12 announce-list tier cursor:
// an ordered list of tiers, each an ordered list of tracker URLs, with
// next/prev/promote-to-top operations.
//
// Grounded on
// _examples/original_source/include/announce_list.hpp/.cpp's
// AnnounceList (move_index_next/prev, get_current_tracker,
// move_current_tracker_to_top), adapted from a fixed (domain, port)
// pair back into full URLs — this client speaks only HTTP trackers, so
// there is no protocol split to special-case the way the C++ TODO
// comment flags.
package announce

// List is a BEP-12 tiered tracker list with a (tier, url) cursor.
type List struct {
	tiers [][]string
	i, j  int
}

// New builds a List from a non-empty slice of tiers, each a non-empty
// slice of tracker URLs. A metainfo file with no announce-list at all
// should be wrapped by the caller as a single tier with one URL.
func New(tiers [][]string) *List {
	return &List{tiers: tiers}
}

// Reset returns the cursor to (0, 0).
func (l *List) Reset() {
	l.i, l.j = 0, 0
}

// Next advances within the current tier, then to the next tier.
// Returns false once the end of the last tier is reached (the cursor
// is left unchanged).
func (l *List) Next() bool {
	if l.j+1 < len(l.tiers[l.i]) {
		l.j++
		return true
	}
	if l.i+1 < len(l.tiers) {
		l.i++
		l.j = 0
		return true
	}
	return false
}

// Prev moves the cursor symmetrically backwards. Returns false once
// the beginning of the first tier is reached.
func (l *List) Prev() bool {
	if l.j != 0 {
		l.j--
		return true
	}
	if l.i != 0 {
		l.i--
		l.j = len(l.tiers[l.i]) - 1
		return true
	}
	return false
}

// Current returns the URL the cursor currently points at.
func (l *List) Current() string {
	return l.tiers[l.i][l.j]
}

// PromoteCurrentToTop swaps the current URL with index 0 of its tier,
// per BEP-12: called after a successful announce. Does not reset the
// cursor — callers that want to resume announcing from the promoted
// position should call Reset() separately.
func (l *List) PromoteCurrentToTop() {
	tier := l.tiers[l.i]
	tier[0], tier[l.j] = tier[l.j], tier[0]
	l.j = 0
}

// Exhausted reports whether every URL in every tier has been tried
// since the last Reset, i.e. Next() would return false right now.
func (l *List) Exhausted() bool {
	return l.i == len(l.tiers)-1 && l.j == len(l.tiers[l.i])-1
}
