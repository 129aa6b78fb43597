// Package peerconn drives one peer wire-protocol connection through
// its HANDSHAKE -> LENGTH -> MESSAGE framing states over a
// non-blocking socket, queues outbound messages with a send offset,
// and tracks per-peer keepalive timing and consecutive block-failure
// counts.
//
// Grounded on _examples/original_source/include/peer_connection.hpp
// and its .cpp (PeerConnection::send/recv's three-state machine,
// send_choke/send_unchoke/send_interested/send_notinterested's
// edge-triggered toggles, add_block's failure counter), deliberately
// NOT reproducing that code's off-by-one completion checks
// (m_recv_offset == len-1) — this implementation treats n == requested
// length as completion, per leechcraft/netio's documented choice.
// RequestQueue lives in leechcraft/reqqueue instead of as a nested
// friend class, per spec's non-cyclic request-queue design: this
// package calls reqqueue.Queue.SendRequests() and forwards its
// returned messages into the same outbound queue as everything else.
package peerconn

import (
	"fmt"
	"time"

	"leechcraft/bitfield"
	"leechcraft/message"
	"leechcraft/netio"
	"leechcraft/piece"
	"leechcraft/reqqueue"
)

// KeepaliveTimeout is how long a connection may go without sending
// anything before a keepalive is due.
const KeepaliveTimeout = 115 * time.Second

// AllowedFailures is the number of consecutive invalid blocks a peer
// may send before the connection is torn down.
const AllowedFailures = 4

const (
	lengthPrefixLen = 4
	handshakeLen    = message.HandshakeLen
)

type frameState int

const (
	stateHandshake frameState = iota
	stateLength
	stateMessage
)

// recvBufferSize mirrors the original's 4 (length) + 1 (id) + 4 + 4
// (index/begin) + max block size.
const recvBufferSize = lengthPrefixLen + 1 + 4 + 4 + message.MaxBlockSize

// Connection is one peer's framing state machine, outbound queue and
// download bookkeeping.
type Connection struct {
	socket *netio.Socket

	state      frameState
	recvBuf    []byte
	recvOffset int
	msgLen     uint32

	sendQueue [][]byte
	sendOff   int

	lastSend time.Time

	Requests *reqqueue.Queue
	Piece    *piece.Assembler
	failures int

	PeerBitfield *bitfield.Bitfield

	AmInterested   bool
	PeerChoking    bool
	AmChoking      bool
	PeerInterested bool
}

// New wraps an already-dialed socket, enqueues the handshake and our
// bitfield as the first outbound messages, and sizes the peer
// bitfield to numPieces bits (all unset until a Bitfield/Have
// arrives).
func New(sock *netio.Socket, handshake *message.Handshake, ourBitfield []byte, numPieces int, maxPending int) *Connection {
	c := &Connection{
		socket:       sock,
		recvBuf:      make([]byte, recvBufferSize),
		PeerBitfield: bitfield.New(numPieces),
		Requests:     reqqueue.New(maxPending),
		AmChoking:    true,
		PeerChoking:  true,
		lastSend:     time.Time{},
	}
	c.queueRaw(handshake.Serialize())
	if ourBitfield != nil {
		c.QueueMessage(message.CreateBitfieldMessage(ourBitfield))
	}
	return c
}

// FD returns the socket descriptor, for Poller registration.
func (c *Connection) FD() int {
	return c.socket.FD()
}

// FinishConnect completes a non-blocking dial.
func (c *Connection) FinishConnect() error {
	return c.socket.FinishConnect()
}

// QueueMessage serializes msg and appends it to the outbound queue.
func (c *Connection) QueueMessage(msg *message.Message) {
	c.queueRaw(msg.Serialize())
}

func (c *Connection) queueRaw(b []byte) {
	c.sendQueue = append(c.sendQueue, b)
}

// HasPendingSend reports whether the outbound queue is non-empty, for
// the poller's write-interest bit.
func (c *Connection) HasPendingSend() bool {
	return len(c.sendQueue) > 0
}

// SendChoke, SendUnchoke, SendInterested and SendNotInterested
// edge-trigger: they queue a message only when the state actually
// changes, matching the teacher's *_choke/*_interested idiom.
func (c *Connection) SendChoke() {
	if !c.AmChoking {
		c.QueueMessage(message.NewChokeMsg())
		c.AmChoking = true
	}
}

func (c *Connection) SendUnchoke() {
	if c.AmChoking {
		c.QueueMessage(message.NewUnchokeMsg())
		c.AmChoking = false
	}
}

func (c *Connection) SendInterested() {
	if !c.AmInterested {
		c.QueueMessage(message.NewInterestedMsg())
		c.AmInterested = true
	}
}

func (c *Connection) SendNotInterested() {
	if c.AmInterested {
		c.QueueMessage(message.NewNotInterestedMsg())
		c.AmInterested = false
	}
}

// SendKeepalive unconditionally queues a keepalive and resets the
// inactivity clock.
func (c *Connection) SendKeepalive() {
	c.queueRaw((*message.Message)(nil).Serialize())
	c.lastSend = time.Now()
}

// KeepaliveDue reports whether more than KeepaliveTimeout has passed
// since the last send.
func (c *Connection) KeepaliveDue(now time.Time) bool {
	if c.lastSend.IsZero() {
		return false
	}
	return now.Sub(c.lastSend) > KeepaliveTimeout
}

// CreateRequestsForPiece starts downloading piece index of byte size,
// replacing any in-flight request queue.
func (c *Connection) CreateRequestsForPiece(index, size int) {
	c.Piece = piece.New(index, size)
	c.Requests.CreateRequestsForPiece(index, size)
}

// SendRequestBatch asks the request queue for its next batch of
// REQUEST messages and queues them. Returns true if the caller should
// assign another piece before calling again (the queue has drained
// everything it currently holds).
func (c *Connection) SendRequestBatch() bool {
	msgs, needNext := c.Requests.SendRequests()
	for _, m := range msgs {
		c.QueueMessage(m)
	}
	return needNext
}

// IsDownloading reports whether this connection has an outstanding
// request queue.
func (c *Connection) IsDownloading() bool {
	return !c.Requests.Empty()
}

// ResetRequestQueue drops all outstanding requests and the
// in-progress piece buffer, for when the peer chokes us or the
// connection is about to be torn down.
func (c *Connection) ResetRequestQueue() {
	c.Requests.Reset()
	c.Piece = nil
}

// AssignedPieces forwards to the request queue.
func (c *Connection) AssignedPieces() map[int]struct{} {
	return c.Requests.AssignedPieces()
}

// blockOutcome is AddBlock's result.
type blockOutcome int

const (
	BlockAccepted blockOutcome = iota
	BlockCompletesPiece
	BlockInvalid
	BlockTooManyFailures
)

// AddBlock validates a just-received Piece message against the
// request queue and appends it to the in-progress assembler. A run of
// AllowedFailures consecutive invalid blocks is reported as
// BlockTooManyFailures so the caller can tear the connection down.
func (c *Connection) AddBlock(msg *message.Message) (blockOutcome, error) {
	index, begin, length, err := message.PieceIndexBegin(msg)
	if err != nil {
		return BlockInvalid, err
	}

	ok, done := c.Requests.ValidateBlock(index, begin, length)
	if !ok {
		c.failures++
		if c.failures >= AllowedFailures {
			return BlockTooManyFailures, fmt.Errorf("peerconn: %d consecutive invalid blocks", c.failures)
		}
		return BlockInvalid, nil
	}

	c.failures = 0
	block := msg.Payload[8:]
	if c.Piece == nil {
		c.Piece = piece.New(index, len(block)+begin)
	}
	c.Piece.AddBlock(block)

	if done {
		return BlockCompletesPiece, nil
	}
	return BlockAccepted, nil
}

// TakeCompletedPiece returns and clears the assembled piece buffer.
func (c *Connection) TakeCompletedPiece() *piece.Assembler {
	p := c.Piece
	c.Piece = nil
	return p
}

// OnWritable drains as much of the front of the outbound queue as the
// socket currently accepts. When a message finishes sending it is
// popped; ErrWouldBlock is not an error, just "try again later".
func (c *Connection) OnWritable() error {
	for len(c.sendQueue) > 0 {
		cur := c.sendQueue[0]
		newOff, err := c.socket.Send(cur, c.sendOff)
		c.sendOff = newOff
		if err == netio.ErrWouldBlock {
			return nil
		}
		if err != nil {
			return err
		}
		if c.sendOff < len(cur) {
			return nil
		}
		c.sendQueue = c.sendQueue[1:]
		c.sendOff = 0
		c.lastSend = time.Now()
	}
	return nil
}

// ReceiveEvent is what OnReadable reports back to the engine for one
// readiness event.
type ReceiveEvent struct {
	HandshakeDone bool
	Handshake     *message.Handshake
	Message       *message.Message // nil for a completed KeepAlive
	MessageReady  bool
}

// OnReadable advances the framing state machine by at most one read
// call, mirroring the original's one-recv2-per-state-per-cycle shape.
// It returns a zero ReceiveEvent (both flags false) when the read
// would block or a frame is still incomplete.
func (c *Connection) OnReadable() (ReceiveEvent, error) {
	switch c.state {
	case stateHandshake:
		return c.recvHandshake()
	case stateLength:
		return c.recvLength()
	case stateMessage:
		return c.recvMessage()
	default:
		return ReceiveEvent{}, fmt.Errorf("peerconn: invalid framing state %d", c.state)
	}
}

func (c *Connection) recvHandshake() (ReceiveEvent, error) {
	newOff, err := c.socket.Recv(c.recvBuf[:handshakeLen], c.recvOffset)
	c.recvOffset = newOff
	if err == netio.ErrWouldBlock {
		return ReceiveEvent{}, nil
	}
	if err != nil {
		return ReceiveEvent{}, err
	}
	if c.recvOffset < handshakeLen {
		return ReceiveEvent{}, nil
	}

	hs, err := message.ParseHandshake(c.recvBuf[:handshakeLen])
	if err != nil {
		return ReceiveEvent{}, err
	}
	c.recvOffset = 0
	c.state = stateLength
	return ReceiveEvent{HandshakeDone: true, Handshake: hs}, nil
}

func (c *Connection) recvLength() (ReceiveEvent, error) {
	newOff, err := c.socket.Recv(c.recvBuf[:lengthPrefixLen], c.recvOffset)
	c.recvOffset = newOff
	if err == netio.ErrWouldBlock {
		return ReceiveEvent{}, nil
	}
	if err != nil {
		return ReceiveEvent{}, err
	}
	if c.recvOffset < lengthPrefixLen {
		return ReceiveEvent{}, nil
	}

	c.msgLen = beUint32(c.recvBuf[:lengthPrefixLen])
	c.recvOffset = 0
	if c.msgLen == 0 {
		// KeepAlive: no MESSAGE state to enter.
		return ReceiveEvent{MessageReady: true, Message: nil}, nil
	}
	if int(c.msgLen) > len(c.recvBuf)-lengthPrefixLen {
		return ReceiveEvent{}, fmt.Errorf("peerconn: message length %d exceeds buffer", c.msgLen)
	}
	c.state = stateMessage
	return ReceiveEvent{}, nil
}

func (c *Connection) recvMessage() (ReceiveEvent, error) {
	dst := c.recvBuf[lengthPrefixLen : lengthPrefixLen+int(c.msgLen)]
	newOff, err := c.socket.Recv(dst, c.recvOffset)
	c.recvOffset = newOff
	if err == netio.ErrWouldBlock {
		return ReceiveEvent{}, nil
	}
	if err != nil {
		return ReceiveEvent{}, err
	}
	if c.recvOffset < int(c.msgLen) {
		return ReceiveEvent{}, nil
	}

	msg, err := message.Parse(dst)
	if err != nil {
		return ReceiveEvent{}, err
	}
	c.recvOffset = 0
	c.state = stateLength
	return ReceiveEvent{MessageReady: true, Message: msg}, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Close releases the underlying socket and drops all queued state.
func (c *Connection) Close() error {
	return c.socket.Close()
}
