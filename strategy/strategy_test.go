package strategy

import (
	"testing"

	"leechcraft/bitfield"
)

func fullBitfield(n int) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i, true)
	}
	return bf
}

func TestMonotonicitySingleAssignmentBetweenDiscards(t *testing.T) {
	s := New(3)
	peerBf := fullBitfield(3)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		idx, ok, _ := s.NextPieceToDownload(peerBf)
		if !ok {
			t.Fatalf("expected a piece at iteration %d", i)
		}
		if seen[idx] {
			t.Fatalf("piece %d returned twice without a discard in between", idx)
		}
		seen[idx] = true
	}

	// With every piece assigned, the next call switches to endgame
	// rather than handing out a fourth normal-mode assignment.
	if _, ok, _ := s.NextPieceToDownload(peerBf); !ok || !s.Endgame() {
		t.Fatalf("expected endgame once all pieces assigned, got ok=%v endgame=%v", ok, s.Endgame())
	}
}

func TestDiscardMakesPieceSelectableAgain(t *testing.T) {
	s := New(1)
	peerBf := fullBitfield(1)

	idx, ok, _ := s.NextPieceToDownload(peerBf)
	if !ok || idx != 0 {
		t.Fatalf("expected piece 0, got idx=%d ok=%v", idx, ok)
	}

	s.MarkAsDiscarded(0)
	idx, ok, _ = s.NextPieceToDownload(peerBf)
	if !ok || idx != 0 {
		t.Fatalf("expected piece 0 selectable again after discard, got idx=%d ok=%v", idx, ok)
	}
}

func TestEndgameSwitchAndCompletion(t *testing.T) {
	s := New(2)
	peerBf := fullBitfield(2)

	s.NextPieceToDownload(peerBf)
	s.NextPieceToDownload(peerBf)

	// every piece assigned but not yet downloaded -> endgame.
	idx, ok, _ := s.NextPieceToDownload(peerBf)
	if !ok {
		t.Fatal("expected endgame to offer a piece")
	}
	if !s.Endgame() {
		t.Fatal("expected strategy to have switched to endgame")
	}

	s.MarkAsDownloaded(0)
	s.MarkAsDownloaded(1)

	if _, ok, status := s.NextPieceToDownload(peerBf); ok || status != Completed {
		t.Fatalf("expected Completed once all pieces downloaded, got ok=%v status=%v idx=%d", ok, status, idx)
	}
}

func TestIsPieceMissing(t *testing.T) {
	s := New(2)
	if !s.IsPieceMissing(0) {
		t.Fatal("expected piece 0 missing initially")
	}
	peerBf := fullBitfield(2)
	s.NextPieceToDownload(peerBf) // the last index (1) is picked first
	if s.IsPieceMissing(1) {
		t.Fatal("expected piece 1 no longer missing once assigned")
	}
}

func TestHaveMissingPiecesSwitchesToEndgame(t *testing.T) {
	s := New(1)
	peerBf := fullBitfield(1)
	s.NextPieceToDownload(peerBf)

	if !s.HaveMissingPieces(peerBf) {
		t.Fatal("expected endgame fallback to report the outstanding piece as wanted")
	}
	if !s.Endgame() {
		t.Fatal("expected HaveMissingPieces to have switched to endgame")
	}
}
