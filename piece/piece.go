// Package piece implements the single-piece block assembler: it
// accumulates the blocks of one piece in arrival order and computes
// the SHA-1 hash over their concatenation for comparison against the
// metainfo's declared piece hash.
//
// Grounded on _examples/original_source/include/piece.hpp's
// ReceivedPiece (add_block / compute_sha1) and the teacher's
// alice/download.go pieceState.buffer, generalized so intra-piece
// ordering relies on reqqueue's block-order validation rather than
// trusting the wire (design note 9.5).
package piece

import "crypto/sha1"

// Assembler accumulates the blocks of a single piece.
type Assembler struct {
	index  int
	blocks [][]byte
	size   int
}

// New starts assembling piece index, which is size bytes long.
func New(index, size int) *Assembler {
	return &Assembler{index: index, size: size}
}

// Index returns the piece index being assembled.
func (a *Assembler) Index() int {
	return a.index
}

// AddBlock appends block's payload. No intra-piece offset sorting is
// performed — correctness follows from reqqueue validating blocks
// arrive in request order.
func (a *Assembler) AddBlock(block []byte) {
	a.blocks = append(a.blocks, append([]byte(nil), block...))
}

// ComputeSHA1 streams SHA-1 over the concatenation of the blocks added
// so far and returns the 20-byte digest.
func (a *Assembler) ComputeSHA1() [20]byte {
	h := sha1.New()
	for _, b := range a.blocks {
		h.Write(b)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Bytes returns the concatenated piece content, for write-out.
func (a *Assembler) Bytes() []byte {
	buf := make([]byte, 0, a.size)
	for _, b := range a.blocks {
		buf = append(buf, b...)
	}
	return buf
}
