package tracker

import (
	"bytes"
	"net"
	"testing"

	bencode "github.com/jackpal/bencode-go"
)

func TestBuildRequestLineAndHeaders(t *testing.T) {
	req := Request{
		Host:       "tracker.example",
		Path:       "/announce",
		InfoHash:   [20]byte{1, 2, 3},
		PeerID:     [20]byte{4, 5, 6},
		ListenPort: 6881,
		Compact:    true,
	}
	raw := string(BuildRequest(req))

	if !bytes.HasPrefix([]byte(raw), []byte("GET /announce?")) {
		t.Fatalf("expected GET request line, got %q", raw[:40])
	}
	if !bytesContains(raw, "Host: tracker.example\r\n") {
		t.Fatalf("missing Host header: %q", raw)
	}
	if !bytesContains(raw, "Connection: Close\r\n") {
		t.Fatalf("missing Connection: Close header: %q", raw)
	}
	if !bytesContains(raw, "compact=1") {
		t.Fatalf("expected compact=1 in query, got %q", raw)
	}
	if !bytesContains(raw, "\r\n\r\n") {
		t.Fatalf("expected blank line terminator, got %q", raw)
	}
	if bytesContains(raw, "uploaded=") || bytesContains(raw, "downloaded=") || bytesContains(raw, "left=") {
		t.Fatalf("unused counters must be omitted, got %q", raw)
	}
}

func bytesContains(s, sub string) bool {
	return bytes.Contains([]byte(s), []byte(sub))
}

func buildHTTPResponse(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	var body bytes.Buffer
	if err := bencode.Marshal(&body, fields); err != nil {
		t.Fatalf("marshal response body: %v", err)
	}
	var resp bytes.Buffer
	resp.WriteString("HTTP/1.1 200 OK\r\n")
	resp.WriteString("Content-Type: text/plain\r\n")
	resp.WriteString("\r\n")
	resp.Write(body.Bytes())
	return resp.Bytes()
}

func TestParseResponseCompactPeers(t *testing.T) {
	peerBytes := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
	raw := buildHTTPResponse(t, map[string]interface{}{
		"interval": 1800,
		"peers":    string(peerBytes),
	})

	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Interval != 1800 {
		t.Fatalf("expected interval 1800, got %d", resp.Interval)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(resp.Peers))
	}
	if !resp.Peers[0].IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("unexpected peer IP: %v", resp.Peers[0].IP)
	}
	if resp.Peers[0].Port != 6881 {
		t.Fatalf("unexpected peer port: %d", resp.Peers[0].Port)
	}
}

func TestParseResponseDictPeers(t *testing.T) {
	raw := buildHTTPResponse(t, map[string]interface{}{
		"interval": 900,
		"peers": []interface{}{
			map[string]interface{}{
				"peer id": "-TEST01-aaaaaaaaaaaa",
				"ip":      "10.0.0.5",
				"port":    int64(51413),
			},
		},
	})

	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(resp.Peers))
	}
	if resp.Peers[0].Port != 51413 {
		t.Fatalf("unexpected port: %d", resp.Peers[0].Port)
	}
	if !resp.Peers[0].IP.Equal(net.ParseIP("10.0.0.5")) {
		t.Fatalf("unexpected ip: %v", resp.Peers[0].IP)
	}
}

func TestParseResponseFailureReason(t *testing.T) {
	raw := buildHTTPResponse(t, map[string]interface{}{
		"failure reason": "unregistered torrent",
	})

	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.FailureMsg != "unregistered torrent" {
		t.Fatalf("expected failure reason to propagate, got %q", resp.FailureMsg)
	}
}

func TestDecodeCompactPeersRejectsMisalignedLength(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for non-multiple-of-6 peers string")
	}
}
