// Package strategy implements the engine's piece-selection policy:
// sequential preference with an endgame fallback once every piece has
// been assigned to some peer.
//
// Grounded on _examples/original_source/include/download_strategy.hpp
// and its .cpp (DownloadStrategySequential). The original's
// next_piece_to_dl special-cases the last piece with a condition that,
// read against its own sibling loop two lines below, is inverted (it
// checks m_bf.get_index(last) instead of !m_bf.get_index(last)), which
// on a freshly constructed all-zero bitfield never fires — defeating
// the "pick up the short trailing piece early" intent spec.md §4.5
// describes in prose. This implementation follows the prose, not that
// apparent bug.
package strategy

import (
	"math/rand"

	"leechcraft/bitfield"
)

// Status is returned by NextPieceToDownload when there is no single
// piece index to hand back (ok == false).
type Status int

const (
	// NoPiece means the peer has nothing we currently want.
	NoPiece Status = iota
	// Completed means every piece has been downloaded.
	Completed
)

// PeerBitfield is the minimal view of a peer's announced pieces the
// strategy needs; bitfield.Bitfield satisfies it.
type PeerBitfield interface {
	Get(index int) bool
	Len() int
}

// Sequential is the sequential-with-endgame download strategy.
type Sequential struct {
	length        int
	assigned      *bitfield.Bitfield
	endgame       bool
	endgamePieces map[int]struct{}
	rnd           *rand.Rand
}

// New creates a Sequential strategy for a torrent with the given
// number of pieces.
func New(length int) *Sequential {
	endgame := make(map[int]struct{}, length)
	for i := 0; i < length; i++ {
		endgame[i] = struct{}{}
	}
	return &Sequential{
		length:        length,
		assigned:      bitfield.New(length),
		endgamePieces: endgame,
		rnd:           rand.New(rand.NewSource(rand.Int63())),
	}
}

// HaveMissingPieces reports whether peerBf offers at least one piece
// we still want: in normal mode, an unassigned piece the peer has; in
// endgame, any piece still outstanding the peer has. Exhausting the
// normal-mode search switches the strategy to endgame as a side
// effect, matching spec.md §4.5.
func (s *Sequential) HaveMissingPieces(peerBf PeerBitfield) bool {
	if !s.endgame {
		foundSpare := false
		for i := 0; i < s.length; i++ {
			if !s.assigned.Get(i) {
				foundSpare = true
				if peerBf.Get(i) {
					return true
				}
			}
		}
		if foundSpare {
			return false
		}
		s.endgame = true
	}
	for i := range s.endgamePieces {
		if peerBf.Get(i) {
			return true
		}
	}
	return false
}

// IsPieceMissing reports whether piece index is still wanted.
func (s *Sequential) IsPieceMissing(index int) bool {
	if !s.endgame {
		return !s.assigned.Get(index)
	}
	_, missing := s.endgamePieces[index]
	return missing
}

// NextPieceToDownload selects the next piece to request from a peer
// advertising peerBf. On success it returns (index, true, _); status
// is only meaningful when ok is false, naming why no piece was
// returned (NoPiece or Completed).
func (s *Sequential) NextPieceToDownload(peerBf PeerBitfield) (index int, ok bool, status Status) {
	if !s.endgame {
		foundSpare := false
		last := s.length - 1
		if last >= 0 && !s.assigned.Get(last) {
			foundSpare = true
			if peerBf.Get(last) {
				s.assigned.Set(last, true)
				return last, true, 0
			}
		}
		for i := 0; i < s.length; i++ {
			if !s.assigned.Get(i) {
				foundSpare = true
				if peerBf.Get(i) {
					s.assigned.Set(i, true)
					return i, true, 0
				}
			}
		}
		if foundSpare {
			return 0, false, NoPiece
		}
		s.endgame = true
	}

	if len(s.endgamePieces) == 0 {
		return 0, false, Completed
	}

	candidates := make([]int, 0, len(s.endgamePieces))
	for i := range s.endgamePieces {
		if peerBf.Get(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false, NoPiece
	}
	return candidates[s.rnd.Intn(len(candidates))], true, 0
}

// MarkAsDownloaded removes index from the outstanding endgame set and
// marks it assigned, so normal mode never selects it again.
// Idempotent.
func (s *Sequential) MarkAsDownloaded(index int) {
	delete(s.endgamePieces, index)
	s.assigned.Set(index, true)
}

// MarkAsDiscarded clears index's assignment so it becomes selectable
// again. Idempotent.
func (s *Sequential) MarkAsDiscarded(index int) {
	s.assigned.Set(index, false)
}

// Endgame reports whether the strategy has switched to endgame mode.
func (s *Sequential) Endgame() bool {
	return s.endgame
}
