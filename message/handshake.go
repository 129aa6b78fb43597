package message

import "fmt"

// Handshake string consists of (in order):
//   - 1 byte for pstrlen (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - "BitTorrent protocol")
//   - 8 reserved bytes for extension support (unsupported here, always zero)
//   - 20 bytes for info_hash (SHA-1 of bencoded info dictionary)
//   - 20 bytes for peer_id (random id identifying the sender)
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

// HandshakeLen is the length of the handshake string in bytes.
const HandshakeLen = 68

// NewHandshake creates a new Handshake struct with the given infoHash
// and peerID.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     "BitTorrent protocol",
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize puts together a handshake string.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

// ParseHandshake converts a complete 68-byte handshake view into a
// Handshake struct, validating pstrlen and pstr. info_hash is not
// compared here — the caller validates it against its own.
func ParseHandshake(buf []byte) (*Handshake, error) {
	if len(buf) != HandshakeLen {
		return nil, fmt.Errorf("handshake: expected %d bytes, got %d", HandshakeLen, len(buf))
	}

	pstrLen := int(buf[0])
	if pstrLen != 19 {
		return nil, fmt.Errorf("handshake: pstrlen should be 19 (0x13) but is %d", pstrLen)
	}

	pstr := string(buf[1 : 1+pstrLen])
	if pstr != "BitTorrent protocol" {
		return nil, fmt.Errorf("handshake: unexpected pstr %q", pstr)
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], buf[1+pstrLen+8:1+pstrLen+8+20])
	copy(peerID[:], buf[1+pstrLen+8+20:])

	return &Handshake{Pstr: pstr, InfoHash: infoHash, PeerID: peerID}, nil
}
