// Package message implements the BitTorrent peer wire protocol's ten
// non-handshake message kinds: construction from typed fields, parsing
// (with length/id validation) from a byte view, typed field
// accessors, and serialization back to a wire view.
//
// Every non-keepalive message on the wire is
// | Message Length | Message ID | Optional Payload |
// with length and the index/begin/length/port fields big endian. A
// KeepAlive is a bare four zero length bytes and is represented here
// as a nil *Message.
package message

import (
	"encoding/binary"
	"fmt"
)

type messageID uint8

// Generally every 115s of inactivity a message of length zero
// (keepalive) is sent.
//
// All non-keepalive messages with their IDs:
//   - choke 0 (communication channel not ready to receive messages)
//   - unchoke 1 (communication channel ready to receive messages)
//   - interested 2 (communication channel ready to send messages)
//   - not interested 3 (communication channel not ready to send messages)
//   - have 4 (piece index downloader/peer downloaded/has)
//   - bitfield 5 (encode which piece peer is able to send)
//   - request 6 (message payload of the form <index><begin><length> requesting a block)
//   - piece 7 (message payload of the form <index><begin><block> containing a block)
//   - cancel 8 (identical to request message used to cancel block requests)
//   - port 9 (DHT listen port; accepted and ignored, no DHT here)
const (
	Choke         messageID = 0
	Unchoke       messageID = 1
	Interested    messageID = 2
	NotInterested messageID = 3
	Have          messageID = 4
	Bitfield      messageID = 5
	Request       messageID = 6
	Piece         messageID = 7
	Cancel        messageID = 8
	Port          messageID = 9
)

// MaxBlockSize is the largest block length this client will ever
// request or accept inside a Piece message.
const MaxBlockSize = 16 * 1024

// Message length is not stored but is just used to parse the message.
type Message struct {
	ID      messageID
	Payload []byte
}

// NewChokeMsg, NewUnchokeMsg, NewInterestedMsg and NewNotInterestedMsg
// build the four state-toggle messages, which carry no payload.
func NewChokeMsg() *Message         { return &Message{ID: Choke} }
func NewUnchokeMsg() *Message       { return &Message{ID: Unchoke} }
func NewInterestedMsg() *Message    { return &Message{ID: Interested} }
func NewNotInterestedMsg() *Message { return &Message{ID: NotInterested} }

func CreateRequestMessage(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// CreateCancelMessage mirrors CreateRequestMessage; Cancel has the
// same wire shape as Request.
func CreateCancelMessage(index, begin, length int) *Message {
	msg := CreateRequestMessage(index, begin, length)
	msg.ID = Cancel
	return msg
}

// CreateHaveMessage creates peer message with ID of 4 (HAVE).
//
// Format of the message: <length=5><id=4><payload>
func CreateHaveMessage(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// CreateBitfieldMessage wraps raw packed bitfield bytes into a
// Bitfield message.
func CreateBitfieldMessage(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

// CreatePieceMessage builds a Piece message carrying block starting at
// begin within piece index.
func CreatePieceMessage(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// CreatePortMessage builds a Port message (DHT listen port
// advertisement; this client never opens DHT but must speak it).
func CreatePortMessage(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return &Message{ID: Port, Payload: payload}
}

// ReadHaveMessage extracts payload (index) from raw HAVE message.
func ReadHaveMessage(msg *Message) (int, error) {
	if msg.ID != Have {
		return -1, fmt.Errorf("expected ID of %d (HAVE), got ID %d", Have, msg.ID)
	}

	if len(msg.Payload) != 4 {
		return -1, fmt.Errorf("expected payload of length 4, got length %d", len(msg.Payload))
	}

	index := int(binary.BigEndian.Uint32(msg.Payload))
	return index, nil
}

// ReadRequestMessage extracts (index, begin, length) from a Request or
// Cancel message — both share the same wire shape.
func ReadRequestMessage(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("expected ID of %d or %d (REQUEST/CANCEL), got ID %d", Request, Cancel, msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("expected payload of length 12, got length %d", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return
}

// ReadPortMessage extracts the listen port from a Port message.
func ReadPortMessage(msg *Message) (uint16, error) {
	if msg.ID != Port {
		return 0, fmt.Errorf("expected ID of %d (PORT), got ID %d", Port, msg.ID)
	}
	if len(msg.Payload) != 2 {
		return 0, fmt.Errorf("expected payload of length 2, got length %d", len(msg.Payload))
	}
	return binary.BigEndian.Uint16(msg.Payload), nil
}

// ReadPieceMessage extracts index, begin and block from a raw PIECE
// message, copying the block into buf at the right offset, and
// returns the number of bytes copied.
func ReadPieceMessage(index int, buf []byte, msg *Message) (int, error) {
	if msg.ID != Piece {
		return 0, fmt.Errorf("expected ID of %d (PIECE), got ID %d", Piece, msg.ID)
	}

	if len(msg.Payload) < 8 {
		return 0, fmt.Errorf("payload too short: %d < 8", len(msg.Payload))
	}

	parsedIndex := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsedIndex != index {
		return 0, fmt.Errorf("expected index %d, got index %d", index, parsedIndex)
	}

	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin >= len(buf) {
		return 0, fmt.Errorf("begin offset is larger than payload: %d >= %d", begin, len(buf))
	}

	block := msg.Payload[8:]
	if begin+len(block) > len(buf) {
		return 0, fmt.Errorf("block length [%d] is too long for offset %d with length %d", len(block), begin, len(buf))
	}
	copy(buf[begin:], block)

	return len(block), nil
}

// PieceIndexBegin returns the index, begin and block length of a Piece
// message without copying its block, for request-queue validation.
func PieceIndexBegin(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Piece {
		return 0, 0, 0, fmt.Errorf("expected ID of %d (PIECE), got ID %d", Piece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, 0, fmt.Errorf("payload too short: %d < 8", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = len(msg.Payload) - 8
	return
}

// fixedPayloadLen gives the required payload length for message kinds
// whose size never varies; -1 means variable-length (Bitfield, Piece).
func fixedPayloadLen(id messageID) int {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		return 0
	case Have:
		return 4
	case Request, Cancel:
		return 12
	case Port:
		return 2
	default:
		return -1
	}
}

// Parse decodes frame — the id byte followed by its payload, i.e. the
// bytes of a message minus its 4-byte length prefix — into a Message,
// validating the id is known and that fixed-size kinds carry exactly
// their required payload length. Parsing never allocates beyond the
// message size.
func Parse(frame []byte) (*Message, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("empty message frame")
	}
	id := messageID(frame[0])
	payload := frame[1:]

	switch id {
	case Choke, Unchoke, Interested, NotInterested, Have, Bitfield, Request, Piece, Cancel, Port:
	default:
		return nil, fmt.Errorf("unknown message id %d", frame[0])
	}

	if want := fixedPayloadLen(id); want >= 0 && len(payload) != want {
		return nil, fmt.Errorf("%s: expected payload length %d, got %d", messageIDName(id), want, len(payload))
	}
	if id == Piece && len(payload) < 8 {
		return nil, fmt.Errorf("Piece payload too short: %d < 8", len(payload))
	}

	return &Message{ID: id, Payload: payload}, nil
}

// Put together a message.
func (msg *Message) Serialize() []byte {
	// keepalive
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1) // block + ID (1 byte)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

func messageIDName(id messageID) string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("unknown message type with ID: %d", id)
	}
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	return messageIDName(msg.ID)
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}

	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
