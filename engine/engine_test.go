package engine

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"leechcraft/config"
	"leechcraft/message"
	"leechcraft/metainfo"
	"leechcraft/netio"
	"leechcraft/peerconn"
)

func beUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// buildInfo constructs a single-file in-memory Info sliced into pieces
// of pieceLen bytes (the last possibly short), with real SHA-1 hashes
// over data, for driving the engine without a bencoded .torrent file.
func buildInfo(t *testing.T, pieceLen int, data []byte) *metainfo.Info {
	t.Helper()
	numPieces := (len(data) + pieceLen - 1) / pieceLen
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := i * pieceLen
		end := start + pieceLen
		if end > len(data) {
			end = len(data)
		}
		hashes[i] = sha1.Sum(data[start:end])
	}
	return &metainfo.Info{
		AnnounceList: [][]string{{"http://tracker.example/announce"}},
		PieceLength:  int64(pieceLen),
		PieceHashes:  hashes,
		Files:        []metainfo.File{{Path: []string{"payload.bin"}, Length: int64(len(data))}},
		Name:         "payload.bin",
	}
}

func socketPair(t *testing.T) (*netio.Socket, *netio.Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	a := netio.FromFD(fds[0])
	b := netio.FromFD(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// newTestEngine builds an Engine over a temp download directory with
// tracker stepping disabled (deadline pushed far into the future), so
// tests can drive peer slots in isolation.
func newTestEngine(t *testing.T, info *metainfo.Info, maxPeers int) (*Engine, string) {
	t.Helper()
	cfg := config.Default
	cfg.MaxPeers = maxPeers
	cfg.ShowDownloadProgress = false
	dir := t.TempDir()
	e, err := New(info, dir, cfg, [20]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.trackerDeadline = time.Now().Add(time.Hour)
	return e, dir
}

// attachPeer wires slot i to one end of a fresh socketpair, the way
// fillIdleSlots would after a successful dial, and returns the far end
// for the test to act as the remote peer.
func attachPeer(t *testing.T, e *Engine, i int) *netio.Socket {
	t.Helper()
	sockA, sockB := socketPair(t)
	hs := message.NewHandshake(e.info.InfoHash, e.peerID)
	conn := peerconn.New(sockA, hs, e.localBitfield.Bytes(), e.info.NumPieces(), e.cfg.MaxPending)
	e.peers[i] = peerSlot{conn: conn, addr: "test-peer"}
	e.poller.Set(i, sockA.FD(), false, true)
	e.peersAlive++
	return sockB
}

// pump runs the poll+tick cycle until cond reports done or maxIter is
// exceeded.
func pump(t *testing.T, e *Engine, trackerSlot int, maxIter int, cond func() bool) {
	t.Helper()
	for i := 0; i < maxIter; i++ {
		if cond() {
			return
		}
		if err := e.poller.Wait(50); err != nil {
			t.Fatalf("poll: %v", err)
		}
		e.tick(trackerSlot)
	}
	if !cond() {
		t.Fatal("condition never satisfied within iteration budget")
	}
}

func readFrame(t *testing.T, sock *netio.Socket) *message.Message {
	t.Helper()
	lenBuf := make([]byte, 4)
	off := 0
	for off < 4 {
		n, err := sock.Recv(lenBuf, off)
		if err == netio.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("recv length: %v", err)
		}
		off = n
	}
	length := beUint32(lenBuf)
	if length == 0 {
		return nil // KeepAlive
	}
	body := make([]byte, length)
	off = 0
	for off < int(length) {
		n, err := sock.Recv(body, off)
		if err == netio.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("recv body: %v", err)
		}
		off = n
	}
	msg, err := message.Parse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func readHandshake(t *testing.T, sock *netio.Socket) *message.Handshake {
	t.Helper()
	buf := make([]byte, message.HandshakeLen)
	off := 0
	for off < len(buf) {
		n, err := sock.Recv(buf, off)
		if err == netio.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("recv handshake: %v", err)
		}
		off = n
	}
	hs, err := message.ParseHandshake(buf)
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	return hs
}

func sendFrame(t *testing.T, sock *netio.Socket, msg *message.Message) {
	t.Helper()
	buf := msg.Serialize()
	off := 0
	for off < len(buf) {
		n, err := sock.Send(buf, off)
		if err == netio.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		off = n
	}
}

func sendHandshake(t *testing.T, sock *netio.Socket, hs *message.Handshake) {
	t.Helper()
	buf := hs.Serialize()
	off := 0
	for off < len(buf) {
		n, err := sock.Send(buf, off)
		if err == netio.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("send handshake: %v", err)
		}
		off = n
	}
}

func fullBitfieldBytes(n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		out[i/8] |= 1 << (7 - uint(i%8))
	}
	return out
}

func answerPiece(t *testing.T, sock *netio.Socket, info *metainfo.Info, data []byte, index int) {
	t.Helper()
	start := int(info.PieceLength) * index
	size := int(info.PieceSize(index))
	block := data[start : start+size]
	sendFrame(t, sock, message.CreatePieceMessage(index, 0, block))
}

// TestSinglePeerDownloadWritesAllPieces drives S2 end-to-end: one peer
// advertises every piece, the engine requests and downloads all three,
// and the bytes land correctly in the downloaded file.
func TestSinglePeerDownloadWritesAllPieces(t *testing.T) {
	data := []byte("hello world") // 11 bytes: pieces of 4,4,3
	info := buildInfo(t, 4, data)
	e, downloadDir := newTestEngine(t, info, 1)

	peer := attachPeer(t, e, 0)
	trackerSlot := len(e.peers)

	// Drain the engine's outbound handshake + bitfield.
	hs := readHandshake(t, peer)
	if hs.InfoHash != info.InfoHash {
		t.Fatalf("unexpected info_hash in handshake")
	}
	bfMsg := readFrame(t, peer)
	if bfMsg == nil || bfMsg.ID != message.Bitfield {
		t.Fatalf("expected Bitfield, got %v", bfMsg)
	}

	sendHandshake(t, peer, message.NewHandshake(info.InfoHash, [20]byte{9}))
	sendFrame(t, peer, message.CreateBitfieldMessage(fullBitfieldBytes(info.NumPieces())))
	sendFrame(t, peer, message.NewUnchokeMsg())

	pump(t, e, trackerSlot, 200, func() bool {
		return e.peers[0].active() && e.peers[0].conn.IsDownloading()
	})

	interested := readFrame(t, peer)
	if interested == nil || interested.ID != message.Interested {
		t.Fatalf("expected Interested, got %v", interested)
	}

	// The strategy checks the last index first (spec.md §4.5): piece 2
	// is requested before 0 and 1.
	order := []int{2, 0, 1}
	for _, want := range order {
		req := readFrame(t, peer)
		if req == nil || req.ID != message.Request {
			t.Fatalf("expected Request, got %v", req)
		}
		index, _, _, err := message.ReadRequestMessage(req)
		if err != nil {
			t.Fatalf("ReadRequestMessage: %v", err)
		}
		if index != want {
			t.Fatalf("expected request for piece %d, got %d", want, index)
		}
		answerPiece(t, peer, info, data, index)
		pump(t, e, trackerSlot, 200, func() bool {
			return e.localBitfield.Get(index)
		})
	}

	if e.piecesDone != info.NumPieces() {
		t.Fatalf("expected all %d pieces done, got %d", info.NumPieces(), e.piecesDone)
	}
	for i := 0; i < info.NumPieces(); i++ {
		if !e.localBitfield.Get(i) {
			t.Fatalf("expected local bitfield bit %d set", i)
		}
	}

	on := filepath.Join(downloadDir, "payload.bin")
	got, err := os.ReadFile(on)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("expected downloaded bytes %q, got %q", data, got)
	}
}

// TestChokeClearsQueueAndResumesOnUnchoke covers S3: a Choke mid-piece
// discards the in-flight assignment and clears the request queue; a
// following Unchoke re-requests from scratch.
func TestChokeClearsQueueAndResumesOnUnchoke(t *testing.T) {
	data := []byte("abcdefgh") // one piece, pieceLen 8
	info := buildInfo(t, 8, data)
	e, _ := newTestEngine(t, info, 1)
	peer := attachPeer(t, e, 0)
	trackerSlot := len(e.peers)

	readHandshake(t, peer)
	readFrame(t, peer) // bitfield

	sendHandshake(t, peer, message.NewHandshake(info.InfoHash, [20]byte{9}))
	sendFrame(t, peer, message.CreateBitfieldMessage(fullBitfieldBytes(info.NumPieces())))
	sendFrame(t, peer, message.NewUnchokeMsg())

	pump(t, e, trackerSlot, 200, func() bool {
		return e.peers[0].active() && e.peers[0].conn.IsDownloading()
	})
	readFrame(t, peer) // interested
	readFrame(t, peer) // request(0,0,8)

	sendFrame(t, peer, message.NewChokeMsg())
	pump(t, e, trackerSlot, 200, func() bool {
		return e.peers[0].active() && !e.peers[0].conn.IsDownloading()
	})
	if !e.strategy.IsPieceMissing(0) {
		t.Fatal("expected piece 0 to be discarded and selectable again after Choke")
	}

	sendFrame(t, peer, message.NewUnchokeMsg())
	pump(t, e, trackerSlot, 200, func() bool {
		return e.peers[0].active() && e.peers[0].conn.IsDownloading()
	})
	req := readFrame(t, peer)
	if req == nil || req.ID != message.Request {
		t.Fatalf("expected a fresh Request after Unchoke, got %v", req)
	}
	index, begin, _, err := message.ReadRequestMessage(req)
	if err != nil || index != 0 || begin != 0 {
		t.Fatalf("expected Request(0,0,_), got index=%d begin=%d err=%v", index, begin, err)
	}
}

// TestBadHashTearsDownPeer covers S4: a Piece whose assembled bytes
// fail the SHA-1 check is discarded (not marked downloaded) and the
// offending peer is torn down, without touching other peers.
func TestBadHashTearsDownPeer(t *testing.T) {
	data := []byte("abcdefgh")
	info := buildInfo(t, 8, data)
	e, _ := newTestEngine(t, info, 2)
	trackerSlot := len(e.peers)

	bad := attachPeer(t, e, 0)
	good := attachPeer(t, e, 1)

	for _, peer := range []*netio.Socket{bad, good} {
		readHandshake(t, peer)
		readFrame(t, peer) // bitfield
		sendHandshake(t, peer, message.NewHandshake(info.InfoHash, [20]byte{9}))
	}

	// Only the bad peer answers for now; the good peer stays choking
	// (no bitfield sent yet) so it is unaffected by the bad peer's
	// teardown.
	sendFrame(t, bad, message.CreateBitfieldMessage(fullBitfieldBytes(info.NumPieces())))
	sendFrame(t, bad, message.NewUnchokeMsg())

	pump(t, e, trackerSlot, 200, func() bool {
		return e.peers[0].active() && e.peers[0].conn.IsDownloading()
	})
	readFrame(t, bad) // interested
	req := readFrame(t, bad)
	if req == nil || req.ID != message.Request {
		t.Fatalf("expected Request, got %v", req)
	}

	sendFrame(t, bad, message.CreatePieceMessage(0, 0, []byte("WRONGBYT")))

	pump(t, e, trackerSlot, 200, func() bool {
		return !e.peers[0].active()
	})

	if e.localBitfield.Get(0) {
		t.Fatal("corrupt piece must not be marked downloaded")
	}
	if !e.strategy.IsPieceMissing(0) {
		t.Fatal("expected piece 0 to remain selectable after a failed integrity check")
	}
	if !e.peers[1].active() {
		t.Fatal("the unrelated peer must not be affected by the other peer's teardown")
	}
}

// TestTrackerFailureAdvancesAnnounceListAndBacksOff covers S5's
// recoverable-failure half: failTrackerRound advances the announce
// cursor, and re-arms the 300s backoff once the list is exhausted.
func TestTrackerFailureAdvancesAnnounceListAndBacksOff(t *testing.T) {
	info := buildInfo(t, 4, []byte("abcd"))
	info.AnnounceList = [][]string{{"http://url-a.example/announce"}, {"http://url-b.example/announce"}}
	e, _ := newTestEngine(t, info, 1)

	if got := e.ann.Current(); got != "http://url-a.example/announce" {
		t.Fatalf("expected to start at url_a, got %s", got)
	}

	e.failTrackerRound(fmt.Errorf("simulated refusal"))
	if got := e.ann.Current(); got != "http://url-b.example/announce" {
		t.Fatalf("expected cursor advanced to url_b, got %s", got)
	}

	before := time.Now()
	e.failTrackerRound(fmt.Errorf("simulated refusal"))
	if got := e.ann.Current(); got != "http://url-a.example/announce" {
		t.Fatalf("expected cursor reset to url_a after exhausting the list, got %s", got)
	}
	if !e.trackerDeadline.After(before.Add(failureBackoff - time.Second)) {
		t.Fatalf("expected the 300s backoff to be armed, got deadline %v", e.trackerDeadline)
	}
}

// TestEndgameAssignsSamePieceToBothPeers covers S6: with only one
// piece in the whole torrent, the second peer's Bitfield arrives after
// the first has already been assigned the piece, pushing the strategy
// into endgame and handing the same index to both.
func TestEndgameAssignsSamePieceToBothPeers(t *testing.T) {
	data := []byte("abcdefgh")
	info := buildInfo(t, 8, data) // P=1
	e, _ := newTestEngine(t, info, 2)
	trackerSlot := len(e.peers)

	peerA := attachPeer(t, e, 0)
	peerB := attachPeer(t, e, 1)

	for _, peer := range []*netio.Socket{peerA, peerB} {
		readHandshake(t, peer)
		readFrame(t, peer)
		sendHandshake(t, peer, message.NewHandshake(info.InfoHash, [20]byte{9}))
	}

	sendFrame(t, peerA, message.CreateBitfieldMessage(fullBitfieldBytes(1)))
	sendFrame(t, peerA, message.NewUnchokeMsg())
	pump(t, e, trackerSlot, 200, func() bool {
		return e.peers[0].active() && e.peers[0].conn.IsDownloading()
	})
	readFrame(t, peerA) // interested
	reqA := readFrame(t, peerA)
	if reqA == nil || reqA.ID != message.Request {
		t.Fatalf("expected peer A to be asked for piece 0, got %v", reqA)
	}

	sendFrame(t, peerB, message.CreateBitfieldMessage(fullBitfieldBytes(1)))
	sendFrame(t, peerB, message.NewUnchokeMsg())
	pump(t, e, trackerSlot, 200, func() bool {
		return e.peers[1].active() && e.peers[1].conn.IsDownloading()
	})
	readFrame(t, peerB) // interested
	reqB := readFrame(t, peerB)
	if reqB == nil || reqB.ID != message.Request {
		t.Fatalf("expected peer B to also be asked for piece 0 in endgame, got %v", reqB)
	}
	if !e.strategy.Endgame() {
		t.Fatal("expected the strategy to have switched to endgame")
	}

	answerPiece(t, peerA, info, data, 0)
	pump(t, e, trackerSlot, 200, func() bool {
		return e.localBitfield.Get(0)
	})
	if e.piecesDone != 1 {
		t.Fatalf("expected exactly one piece recorded done, got %d", e.piecesDone)
	}
}
