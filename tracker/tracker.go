// Package tracker builds the one-shot HTTP GET announce request and
// parses the line-oriented HTTP/1.x response into tracker fields and
// peer list, per spec.md §4.7.
//
// Grounded on _examples/original_source/include/tracker_connection.hpp
// and its .cpp (TrackerConnection: FORM_REQUEST/SEND_REQUEST send
// states, a 4096-byte receive buffer, get_socket_fd/get_socket_status
// for readiness-primitive registration), adapted from std::string
// buffers to []byte and from the bundled Socket class to
// leechcraft/netio.Socket; peer-list decoding follows the teacher's
// alice.Peer.Unmarshal (compact form), extended to also accept the
// non-compact dict-list form per spec.md §4.7.
package tracker

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	bencode "github.com/jackpal/bencode-go"

	"leechcraft/netio"
)

// recvBufferLength is the cap on the accumulated response buffer; a
// response that does not complete within this many bytes is an error.
const recvBufferLength = 4096

// Peer is one entry of a tracker's peer list.
type Peer struct {
	ID   [20]byte
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Request holds the parameters of a single announce.
type Request struct {
	Host       string // tracker host, for dialing and the Host: header
	Port       uint16 // tracker port, for dialing
	Path       string // from the announce URL, e.g. "/announce"
	InfoHash   [20]byte
	PeerID     [20]byte
	ListenPort uint16 // this client's listen port, announced to the tracker
	Compact    bool
	NumWant    int
	Key        string
	TrackerID  string
}

// BuildRequest renders the HTTP/1.1 request line and headers spec.md
// §4.7 describes: no body, Connection: Close, uploaded/downloaded/left
// omitted.
func BuildRequest(req Request) []byte {
	values := url.Values{}
	values.Set("info_hash", string(req.InfoHash[:]))
	values.Set("peer_id", string(req.PeerID[:]))
	values.Set("port", strconv.Itoa(int(req.ListenPort)))
	if req.Compact {
		values.Set("compact", "1")
	}
	if req.NumWant > 0 {
		values.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Key != "" {
		values.Set("key", req.Key)
	}
	if req.TrackerID != "" {
		values.Set("trackerid", req.TrackerID)
	}

	path := req.Path
	if path == "" {
		path = "/"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "GET %s?%s HTTP/1.1\r\n", path, values.Encode())
	fmt.Fprintf(&buf, "Host: %s\r\n", req.Host)
	buf.WriteString("Connection: Close\r\n")
	buf.WriteString("Accept: text/plain\r\n")
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Response is the decoded announce reply.
type Response struct {
	StatusCode int
	Interval   int
	FailureMsg string
	WarningMsg string
	TrackerID  string
	Complete   int
	Incomplete int
	Peers      []Peer
}

type bencodeResponse struct {
	FailureReason string      `bencode:"failure reason,omitempty"`
	WarningMsg    string      `bencode:"warning message,omitempty"`
	Interval      int         `bencode:"interval,omitempty"`
	TrackerID     string      `bencode:"tracker id,omitempty"`
	Complete      int         `bencode:"complete,omitempty"`
	Incomplete    int         `bencode:"incomplete,omitempty"`
	Peers         interface{} `bencode:"peers,omitempty"`
}

// ParseResponse parses a complete HTTP/1.x response (status line,
// headers, blank line, body) and decodes its bencoded body.
func ParseResponse(raw []byte) (*Response, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))

	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("tracker: read status line: %w", err)
	}
	statusCode, err := parseStatusCode(statusLine)
	if err != nil {
		return nil, err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("tracker: read headers: %w", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	body, err := readRemaining(reader)
	if err != nil {
		return nil, fmt.Errorf("tracker: read body: %w", err)
	}

	var decoded bencodeResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &decoded); err != nil {
		return nil, fmt.Errorf("tracker: decode body: %w", err)
	}

	// The peer list is read from a generic decode of the body, which
	// yields []interface{} of map[string]interface{} for the dict form.
	generic, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tracker: decode body: %w", err)
	}
	var rawPeers interface{}
	if m, ok := generic.(map[string]interface{}); ok {
		rawPeers = m["peers"]
	}
	peers, err := decodePeers(rawPeers)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: statusCode,
		Interval:   decoded.Interval,
		FailureMsg: decoded.FailureReason,
		WarningMsg: decoded.WarningMsg,
		TrackerID:  decoded.TrackerID,
		Complete:   decoded.Complete,
		Incomplete: decoded.Incomplete,
		Peers:      peers,
	}, nil
}

func readRemaining(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}

func parseStatusCode(statusLine string) (int, error) {
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0, fmt.Errorf("tracker: malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("tracker: bad status code %q", fields[1])
	}
	return code, nil
}

// decodePeers accepts either the compact 6-byte-record string form or
// the non-compact list-of-dicts form, per spec.md §4.7.
func decodePeers(raw interface{}) ([]Peer, error) {
	switch v := raw.(type) {
	case string:
		return decodeCompactPeers([]byte(v))
	case []interface{}:
		return decodeDictPeers(v)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unexpected peers encoding %T", raw)
	}
}

func decodeCompactPeers(raw []byte) ([]Peer, error) {
	const recordSize = 6
	if len(raw)%recordSize != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers of length %d", len(raw))
	}
	n := len(raw) / recordSize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		peers[i].IP = net.IP(append([]byte(nil), raw[off:off+4]...))
		peers[i].Port = binary.BigEndian.Uint16(raw[off+4 : off+6])
	}
	return peers, nil
}

func decodeDictPeers(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, item := range list {
		dict, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tracker: peer entry is not a dict")
		}
		var p Peer
		if ip, ok := dict["ip"].(string); ok {
			p.IP = net.ParseIP(ip)
		}
		if port, ok := dict["port"].(int64); ok {
			p.Port = uint16(port)
		}
		if id, ok := dict["peer id"].(string); ok {
			copy(p.ID[:], id)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// sendState mirrors TrackerConnection's FORM_REQUEST/SEND_REQUEST.
type sendState int

const (
	formRequest sendState = iota
	sendRequest
	responseDone
)

// Connection drives one announce over a non-blocking socket, for
// registration with a netio.Poller the same way a peer connection is.
type Connection struct {
	socket *netio.Socket

	request Request
	sendBuf []byte
	sendOff int

	recvBuf bytes.Buffer
	state   sendState
}

// NewConnection dials host:port without blocking; the caller must
// poll for writability and call FinishConnect before sending.
func NewConnection(host string, port uint16, req Request) (*Connection, error) {
	sock, err := netio.Dial(host, port)
	if err != nil {
		return nil, err
	}
	return &Connection{
		socket:  sock,
		request: req,
		sendBuf: BuildRequest(req),
		state:   formRequest,
	}, nil
}

// FD returns the underlying socket descriptor, for registration with
// a netio.Poller.
func (c *Connection) FD() int {
	return c.socket.FD()
}

// FinishConnect completes a non-blocking connect once the socket
// reports writable.
func (c *Connection) FinishConnect() error {
	return c.socket.FinishConnect()
}

// NeedsWrite reports whether the request still has unsent bytes, for
// the poller's write-interest bit.
func (c *Connection) NeedsWrite() bool {
	return c.state == formRequest
}

// OnWritable sends as much of the pending request as the socket will
// accept. Returns true once the whole request has been sent.
func (c *Connection) OnWritable() (bool, error) {
	if c.state != formRequest {
		return true, nil
	}
	newOff, err := c.socket.Send(c.sendBuf, c.sendOff)
	c.sendOff = newOff
	if err != nil && err != netio.ErrWouldBlock {
		return false, err
	}
	if c.sendOff >= len(c.sendBuf) {
		c.state = sendRequest
		return true, nil
	}
	return false, nil
}

// OnReadable accumulates response bytes. Returns true once the peer
// has closed the connection (signalling end of response, per
// Connection: Close), or an error if the buffer fills first.
func (c *Connection) OnReadable() (bool, error) {
	buf := make([]byte, 4096)
	n, err := c.socket.Recv(buf, 0)
	if n > 0 {
		if c.recvBuf.Len()+n > recvBufferLength {
			return false, fmt.Errorf("tracker: response exceeds %d-byte buffer", recvBufferLength)
		}
		c.recvBuf.Write(buf[:n])
	}
	if err == netio.ErrClosed {
		c.state = responseDone
		return true, nil
	}
	if err != nil && err != netio.ErrWouldBlock {
		return false, err
	}
	return false, nil
}

// Response parses the accumulated bytes once OnReadable has reported
// completion.
func (c *Connection) Response() (*Response, error) {
	return ParseResponse(c.recvBuf.Bytes())
}

// Close releases the underlying socket.
func (c *Connection) Close() error {
	return c.socket.Close()
}
