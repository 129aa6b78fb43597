// Package engine is the single-threaded, event-driven download engine
// (C10): N peer slots and one tracker slot multiplexed over a
// leechcraft/netio.Poller, the per-peer dispatch table, tracker
// announce lifecycle, and piece write-out.
//
// Grounded on _examples/original_source/src/main.cpp's top-level loop
// shape and peer_pool.hpp's pollfd table, adapted from C++'s
// exceptions-for-peer-fatal-errors into Go error returns that trigger
// the same teardown path, and on the teacher's Torrent/Download
// orchestration (_examples/niyazisuleymanov-alice/alice/torrent.go,
// download.go) for the progress-bar wiring via
// github.com/gosuri/uiprogress and the log-a-line-per-event idiom,
// reworked from goroutines-and-channels into the single poll loop
// spec.md §5 mandates.
package engine

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gosuri/uiprogress"

	"leechcraft/announce"
	"leechcraft/bitfield"
	"leechcraft/config"
	"leechcraft/layout"
	"leechcraft/message"
	"leechcraft/metainfo"
	"leechcraft/netio"
	"leechcraft/peerconn"
	"leechcraft/strategy"
	"leechcraft/tracker"
)

// failureBackoff is the tracker-recoverable-error timeout, per
// spec.md §4.7.
const failureBackoff = 300 * time.Second

// pollTimeoutMs is the readiness primitive's maximum per-iteration
// wait, per spec.md §4.9 step 1.
const pollTimeoutMs = 1000

type peerSlot struct {
	conn      *peerconn.Connection
	addr      string
	connected bool // FinishConnect has succeeded
}

func (s *peerSlot) active() bool { return s.conn != nil }

type trackerPhase int

const (
	trackerIdle trackerPhase = iota
	trackerConnecting
	trackerActive
)

// Engine owns every mutable piece of state the main loop touches.
type Engine struct {
	info     *metainfo.Info
	layout   *layout.Layout
	strategy *strategy.Sequential
	ann      *announce.List
	cfg      config.Config
	peerID   [20]byte

	localBitfield *bitfield.Bitfield

	poller *netio.Poller
	peers  []peerSlot

	backlog    []string
	usedOrBan  map[string]bool
	peersAlive int

	trackerConn     *tracker.Connection
	trackerPhase    trackerPhase
	trackerDeadline time.Time

	piecesDone int
	bar        *uiprogress.Bar
	completed  bool

	logger *log.Logger
}

// New builds an Engine ready to Run: it preallocates the download
// tree, resume-scans it, and marks whatever was already complete on
// disk as downloaded in the strategy.
func New(info *metainfo.Info, downloadDir string, cfg config.Config, peerID [20]byte) (*Engine, error) {
	l := layout.New(info, downloadDir)
	if err := l.Preallocate(); err != nil {
		return nil, fmt.Errorf("engine: preallocate: %w", err)
	}

	localBf, err := l.ResumeScan()
	if err != nil {
		return nil, fmt.Errorf("engine: resume scan: %w", err)
	}

	strat := strategy.New(info.NumPieces())
	for i := 0; i < info.NumPieces(); i++ {
		if localBf.Get(i) {
			strat.MarkAsDownloaded(i)
		}
	}

	e := &Engine{
		info:          info,
		layout:        l,
		strategy:      strat,
		ann:           announce.New(info.AnnounceList),
		cfg:           cfg,
		peerID:        peerID,
		localBitfield: localBf,
		poller:        netio.NewPoller(cfg.MaxPeers + 1),
		peers:         make([]peerSlot, cfg.MaxPeers),
		usedOrBan:     make(map[string]bool),
		logger:        log.Default(),
	}
	if cfg.ShowDownloadProgress {
		uiprogress.Start()
		e.bar = uiprogress.AddBar(info.NumPieces())
		e.bar.AppendCompleted()
		e.bar.AppendFunc(func(*uiprogress.Bar) string {
			return "pieces: " + strconv.Itoa(e.piecesDone) + "/" + strconv.Itoa(info.NumPieces())
		})
		e.bar.AppendElapsed()
	}
	return e, nil
}

// Run drives the main loop until the strategy reports Completed or a
// system-fatal error occurs.
func (e *Engine) Run() error {
	defer func() {
		if e.bar != nil {
			uiprogress.Stop()
		}
	}()

	trackerSlot := len(e.peers)

	for {
		if err := e.poller.Wait(pollTimeoutMs); err != nil {
			return fmt.Errorf("engine: poll: %w", err)
		}

		if e.tick(trackerSlot) {
			return nil
		}
	}
}

// tick runs one §4.9 main-loop iteration. Returns true when the
// download has completed.
func (e *Engine) tick(trackerSlot int) bool {
	e.stepTracker(trackerSlot)

	for i := range e.peers {
		e.stepPeerSlot(i)
	}

	e.fillIdleSlots()
	e.tickKeepalives()

	return e.completed
}

// --- tracker lifecycle -----------------------------------------------

func (e *Engine) stepTracker(slot int) {
	now := time.Now()

	if e.trackerPhase == trackerIdle && now.After(e.trackerDeadline) {
		e.beginAnnounce(slot)
	}

	if e.trackerConn == nil {
		e.poller.Clear(slot)
		return
	}

	writable := e.poller.Writable(slot)
	readable := e.poller.Readable(slot)
	hasErr := e.poller.HasError(slot)

	if hasErr {
		e.failTrackerRound(fmt.Errorf("engine: tracker socket error"))
		return
	}

	if !e.trackerConnected() && writable {
		if err := e.trackerConn.FinishConnect(); err != nil {
			e.failTrackerRound(err)
			return
		}
		e.trackerPhase = trackerActive
	}

	if e.trackerConnected() && writable {
		if _, err := e.trackerConn.OnWritable(); err != nil {
			e.failTrackerRound(err)
			return
		}
	}

	if e.trackerConnected() && readable {
		done, err := e.trackerConn.OnReadable()
		if err != nil {
			e.failTrackerRound(err)
			return
		}
		if done {
			e.finishAnnounce(slot)
		}
	}

	if e.trackerConn != nil {
		e.poller.Set(slot, e.trackerConn.FD(), true, !e.trackerConnected() || e.trackerConn.NeedsWrite())
	}
}

func (e *Engine) trackerConnected() bool {
	return e.trackerPhase == trackerActive
}

func (e *Engine) beginAnnounce(slot int) {
	rawURL := e.ann.Current()
	host, port, path, err := splitAnnounceURL(rawURL)
	if err != nil {
		e.failTrackerRound(err)
		return
	}

	req := tracker.Request{
		Host:       host,
		Port:       port,
		Path:       path,
		InfoHash:   e.info.InfoHash,
		PeerID:     e.peerID,
		ListenPort: e.cfg.ListenPort,
		Compact:    true,
		NumWant:    e.cfg.NumWant,
	}

	conn, err := tracker.NewConnection(host, port, req)
	if err != nil {
		e.failTrackerRound(err)
		return
	}

	e.trackerConn = conn
	e.trackerPhase = trackerConnecting
	e.poller.Set(slot, conn.FD(), false, true)
}

func (e *Engine) finishAnnounce(slot int) {
	resp, err := e.trackerConn.Response()
	e.trackerConn.Close()
	e.trackerConn = nil
	e.trackerPhase = trackerIdle
	e.poller.Clear(slot)

	if err != nil {
		e.failTrackerRound(err)
		return
	}
	if resp.FailureMsg != "" {
		e.failTrackerRound(fmt.Errorf("engine: tracker failure: %s", resp.FailureMsg))
		return
	}

	e.ann.PromoteCurrentToTop()
	e.ann.Reset()

	interval := resp.Interval
	if interval <= 0 {
		interval = 1
	}
	e.trackerDeadline = time.Now().Add(time.Duration(interval) * time.Second)

	for _, p := range resp.Peers {
		addr := net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
		if !e.usedOrBan[addr] {
			e.backlog = append(e.backlog, addr)
		}
	}

	e.logger.Printf("tracker: announce ok, %d peers, interval %ds", len(resp.Peers), interval)
}

// failTrackerRound implements spec.md §7's tracker-recoverable path:
// advance the announce list; on exhaustion arm the failure backoff and
// log a stall if no peers are connected, but never abort the loop.
func (e *Engine) failTrackerRound(err error) {
	if e.trackerConn != nil {
		e.trackerConn.Close()
		e.trackerConn = nil
	}
	e.trackerPhase = trackerIdle

	e.logger.Printf("tracker: %v", err)

	if !e.ann.Next() {
		e.trackerDeadline = time.Now().Add(failureBackoff)
		e.ann.Reset()
		if e.peersAlive == 0 {
			e.logger.Printf("tracker: stalled, no peers connected and announce list exhausted")
		}
		return
	}
	e.trackerDeadline = time.Time{} // retry immediately on the next tick
}

func splitAnnounceURL(raw string) (host string, port uint16, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", 0, "", fmt.Errorf("engine: unsupported tracker scheme %q", u.Scheme)
	}
	h, portStr, splitErr := net.SplitHostPort(u.Host)
	if splitErr != nil {
		h = u.Host
		portStr = "80"
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, "", fmt.Errorf("engine: bad tracker port %q", portStr)
	}
	path = u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return h, uint16(p), path, nil
}

// --- peer slots --------------------------------------------------------

func (e *Engine) stepPeerSlot(i int) {
	slot := &e.peers[i]
	if !slot.active() {
		e.poller.Clear(i)
		return
	}

	if e.poller.HasError(i) {
		e.teardownPeer(i, fmt.Errorf("engine: peer socket error"))
		return
	}

	writable := e.poller.Writable(i)
	readable := e.poller.Readable(i)

	if !slot.connected && writable {
		if err := slot.conn.FinishConnect(); err != nil {
			e.teardownPeer(i, err)
			return
		}
		slot.connected = true
	}

	if slot.connected && writable {
		if err := slot.conn.OnWritable(); err != nil {
			e.teardownPeer(i, err)
			return
		}
	}

	if slot.connected && readable {
		ev, err := slot.conn.OnReadable()
		if err != nil {
			e.teardownPeer(i, err)
			return
		}
		if err := e.dispatch(i, ev); err != nil {
			if err == errCompleted {
				e.completed = true
				return
			}
			e.teardownPeer(i, err)
			return
		}
	}

	if slot.active() {
		e.poller.Set(i, slot.conn.FD(), true, slot.conn.HasPendingSend() || !slot.connected)
	}
}

func (e *Engine) teardownPeer(i int, err error) {
	slot := &e.peers[i]
	if !slot.active() {
		return
	}
	e.logger.Printf("peer %s: dropped: %v", slot.addr, err)

	for idx := range slot.conn.AssignedPieces() {
		e.strategy.MarkAsDiscarded(idx)
	}
	slot.conn.Close()
	e.usedOrBan[slot.addr] = true
	*slot = peerSlot{}
	e.poller.Clear(i)
	if e.peersAlive > 0 {
		e.peersAlive--
	}
}

// fillIdleSlots dials the next backlog entry for every idle peer slot,
// trying each address at most once per spec.md §4.9 step 4 (tried
// entries move to usedOrBan regardless of outcome).
func (e *Engine) fillIdleSlots() {
	for i := range e.peers {
		if e.peers[i].active() {
			continue
		}
		if len(e.backlog) == 0 {
			break
		}
		addr := e.backlog[0]
		e.backlog = e.backlog[1:]
		if e.usedOrBan[addr] {
			continue
		}
		e.usedOrBan[addr] = true

		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}

		sock, err := netio.Dial(host, uint16(port))
		if err != nil {
			continue
		}

		hs := message.NewHandshake(e.info.InfoHash, e.peerID)
		conn := peerconn.New(sock, hs, e.localBitfield.Bytes(), e.info.NumPieces(), e.cfg.MaxPending)
		e.peers[i] = peerSlot{conn: conn, addr: addr}
		e.poller.Set(i, sock.FD(), false, true)
		e.peersAlive++
	}
}

func (e *Engine) tickKeepalives() {
	now := time.Now()
	for i := range e.peers {
		slot := &e.peers[i]
		if slot.active() && slot.connected && slot.conn.KeepaliveDue(now) {
			slot.conn.SendKeepalive()
		}
	}
}

// --- message dispatch ---------------------------------------------------

func (e *Engine) dispatch(i int, ev peerconn.ReceiveEvent) error {
	slot := &e.peers[i]

	if ev.HandshakeDone {
		if ev.Handshake.InfoHash != e.info.InfoHash {
			return fmt.Errorf("engine: info_hash mismatch from %s", slot.addr)
		}
		return nil
	}
	if !ev.MessageReady {
		return nil
	}
	if ev.Message == nil {
		return nil // KeepAlive
	}

	msg := ev.Message
	switch msg.ID {
	case message.Choke:
		slot.conn.PeerChoking = true
		for idx := range slot.conn.AssignedPieces() {
			e.strategy.MarkAsDiscarded(idx)
		}
		slot.conn.ResetRequestQueue()

	case message.Unchoke:
		slot.conn.PeerChoking = false
		return e.startOrAdvanceDownload(i)

	case message.Interested:
		slot.conn.PeerInterested = true
	case message.NotInterested:
		slot.conn.PeerInterested = false

	case message.Have:
		index, err := message.ReadHaveMessage(msg)
		if err != nil {
			return err
		}
		if index < 0 || index >= slot.conn.PeerBitfield.Len() {
			return fmt.Errorf("engine: HAVE index %d out of range", index)
		}
		slot.conn.PeerBitfield.Set(index, true)
		if e.strategy.IsPieceMissing(index) && !slot.conn.PeerChoking {
			return e.startOrAdvanceDownload(i)
		}

	case message.Bitfield:
		bf, err := bitfield.FromBytes(msg.Payload, e.info.NumPieces())
		if err != nil {
			return fmt.Errorf("engine: bad bitfield from %s: %w", slot.addr, err)
		}
		slot.conn.PeerBitfield = bf
		if e.strategy.HaveMissingPieces(bf) {
			slot.conn.SendInterested()
			if !slot.conn.PeerChoking {
				return e.startOrAdvanceDownload(i)
			}
		}

	case message.Request, message.Cancel, message.Port:
		// accepted but ignored; this client never seeds.

	case message.Piece:
		return e.onPiece(i, msg)
	}
	return nil
}

func (e *Engine) startOrAdvanceDownload(i int) error {
	slot := &e.peers[i]
	if slot.conn.IsDownloading() {
		needNext := slot.conn.SendRequestBatch()
		if !needNext {
			return nil
		}
	}

	index, ok, status := e.strategy.NextPieceToDownload(slot.conn.PeerBitfield)
	if status == strategy.Completed {
		return errCompleted
	}
	if !ok {
		slot.conn.SendNotInterested()
		return nil
	}

	slot.conn.SendInterested()
	slot.conn.CreateRequestsForPiece(index, int(e.info.PieceSize(index)))
	slot.conn.SendRequestBatch()
	return nil
}

// errCompleted is a sentinel the loop recognises to exit cleanly; it
// never propagates past tick/dispatch.
var errCompleted = fmt.Errorf("engine: download completed")

func (e *Engine) onPiece(i int, msg *message.Message) error {
	slot := &e.peers[i]
	outcome, err := slot.conn.AddBlock(msg)
	switch outcome {
	case peerconn.BlockTooManyFailures:
		return err
	case peerconn.BlockInvalid:
		return nil
	}

	if outcome != peerconn.BlockCompletesPiece {
		return nil
	}

	assembled := slot.conn.TakeCompletedPiece()
	index := assembled.Index()
	data := assembled.Bytes()
	gotHash := assembled.ComputeSHA1()

	if gotHash != e.info.PieceHashes[index] {
		e.logger.Printf("piece %d: SHA-1 mismatch, discarding", index)
		e.strategy.MarkAsDiscarded(index)
		return fmt.Errorf("engine: piece %d failed integrity check", index)
	}

	if err := e.layout.WritePiece(index, data); err != nil {
		return fmt.Errorf("engine: write piece %d: %w", index, err)
	}
	e.localBitfield.Set(index, true)
	e.strategy.MarkAsDownloaded(index)
	e.piecesDone++
	if e.bar != nil {
		e.bar.Incr()
	}
	e.logger.Printf("piece %d: downloaded from %s", index, slot.addr)

	return e.startOrAdvanceDownload(i)
}
