package engine

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/quic-go/quic-go"

	"github.com/deskcast/deskcast/internal/wire"
)

var (
	testServerAddr = netip.MustParseAddrPort("127.0.0.1:1337")
	testClientAddr = netip.MustParseAddrPort("127.0.0.1:40000")
)

func newTestEngine(t *testing.T, modify func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if modify != nil {
		modify(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustConnID(t *testing.T, e *Engine) quic.ConnectionID {
	t.Helper()
	id, err := e.NewConnectionID()
	if err != nil {
		t.Fatalf("NewConnectionID: %v", err)
	}
	return id
}

// sendOne returns the next datagram produced by c.
func sendOne(t *testing.T, c Conn) []byte {
	t.Helper()
	buf := make([]byte, 65535)
	n, err := c.Send(buf)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return buf[:n]
}

// pump moves every pending datagram from one connection to the other and
// returns how many were delivered.
func pump(t *testing.T, from, to Conn, fromAddr netip.AddrPort) int {
	t.Helper()
	buf := make([]byte, 65535)
	count := 0
	for {
		n, err := from.Send(buf)
		if errors.Is(err, ErrDone) {
			return count
		}
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if _, err := to.Recv(buf[:n], fromAddr); err != nil {
			t.Fatalf("Recv: %v", err)
		}
		count++
	}
}

// handshake drives a client through Retry and the handshake against a
// server connection created the way the server's gatekeeper does it.
func handshake(t *testing.T, e *Engine) (client, server Conn) {
	t.Helper()

	odcid := mustConnID(t, e)
	client, err := e.Connect(mustConnID(t, e), odcid, testServerAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := sendOne(t, client)
	hdr, err := e.ParseHeader(first)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != wire.PacketInitial || len(hdr.Token) != 0 {
		t.Fatalf("first packet = %s with %d byte token, want tokenless Initial", hdr.Type, len(hdr.Token))
	}

	newSCID := mustConnID(t, e)
	retry := make([]byte, 1500)
	n, err := e.Retry(hdr, newSCID, []byte("retry-token"), retry)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if _, err := client.Recv(retry[:n], testServerAddr); err != nil {
		t.Fatalf("client Recv(retry): %v", err)
	}

	second := sendOne(t, client)
	hdr, err = e.ParseHeader(second)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if string(hdr.Token) != "retry-token" || hdr.DestConnID != newSCID {
		t.Fatalf("second Initial token=%q dcid=%s, want retry token to %s", hdr.Token, hdr.DestConnID, newSCID)
	}

	server, err = e.Accept(newSCID, odcid, testClientAddr)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := server.Recv(second, testClientAddr); err != nil {
		t.Fatalf("server Recv(Initial): %v", err)
	}

	pump(t, server, client, testServerAddr)
	if !client.IsEstablished() {
		t.Fatal("client not established after ServerHello")
	}
	pump(t, client, server, testClientAddr)
	if !server.IsEstablished() {
		t.Fatal("server not established after Finished")
	}
	return client, server
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"small datagram", func(c *Config) { c.MaxDatagramSize = 1000 }, true},
		{"huge datagram", func(c *Config) { c.MaxDatagramSize = 70000 }, true},
		{"short conn id", func(c *Config) { c.ConnIDLen = 2 }, true},
		{"long conn id", func(c *Config) { c.ConnIDLen = 21 }, true},
		{"no alpn", func(c *Config) { c.ALPN = nil }, true},
		{"empty alpn", func(c *Config) { c.ALPN = []string{""} }, true},
		{"zero max data", func(c *Config) { c.MaxData = 0 }, true},
		{"zero streams", func(c *Config) { c.MaxStreamsBidi = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewConnectionID(t *testing.T) {
	e := newTestEngine(t, nil)
	a, b := mustConnID(t, e), mustConnID(t, e)
	if a.Len() != DefaultConnIDLen {
		t.Errorf("Len() = %d, want %d", a.Len(), DefaultConnIDLen)
	}
	if a == b {
		t.Error("two generated connection ids are equal")
	}
}

func TestHandshakeAndStreams(t *testing.T) {
	e := newTestEngine(t, nil)
	client, server := handshake(t, e)

	request := []byte("GET /raw/stream.h264\r\n")
	if n, err := client.StreamSend(0, request, true); err != nil || n != len(request) {
		t.Fatalf("StreamSend = %d, %v", n, err)
	}
	pump(t, client, server, testClientAddr)

	if got := server.Readable(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("server Readable() = %v, want [0]", got)
	}
	buf := make([]byte, 1024)
	n, fin, err := server.StreamRecv(0, buf)
	if err != nil {
		t.Fatalf("StreamRecv: %v", err)
	}
	if !bytes.Equal(buf[:n], request) || !fin {
		t.Errorf("StreamRecv = %q fin=%v, want %q fin=true", buf[:n], fin, request)
	}
	if _, _, err := server.StreamRecv(0, buf); !errors.Is(err, ErrDone) {
		t.Errorf("second StreamRecv error = %v, want ErrDone", err)
	}

	// Response larger than one datagram.
	body := bytes.Repeat([]byte("0123456789"), 1000)
	if n, err := server.StreamSend(0, body, true); err != nil || n != len(body) {
		t.Fatalf("server StreamSend = %d, %v", n, err)
	}
	if packets := pump(t, server, client, testServerAddr); packets < 2 {
		t.Errorf("response used %d packets, want several", packets)
	}

	var got []byte
	for {
		n, fin, err := client.StreamRecv(0, buf)
		if errors.Is(err, ErrDone) {
			break
		}
		if err != nil {
			t.Fatalf("client StreamRecv: %v", err)
		}
		got = append(got, buf[:n]...)
		if fin {
			break
		}
	}
	if !bytes.Equal(got, body) {
		t.Errorf("client received %d bytes, want %d", len(got), len(body))
	}

	cs := client.Stats()
	if !cs.Retried || cs.PacketsReceived == 0 || cs.BytesSent == 0 {
		t.Errorf("client stats = %+v", cs)
	}
}

func TestSendWithNothingPending(t *testing.T) {
	e := newTestEngine(t, nil)
	client, server := handshake(t, e)
	pump(t, server, client, testServerAddr)
	pump(t, client, server, testClientAddr)

	buf := make([]byte, 1500)
	if _, err := server.Send(buf); !errors.Is(err, ErrDone) {
		t.Errorf("idle Send error = %v, want ErrDone", err)
	}
}

func TestDatagramSizeLimit(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.MaxDatagramSize = 1200 })
	client, server := handshake(t, e)

	if _, err := server.StreamSend(0, nil, false); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("StreamSend on unopened client stream error = %v", err)
	}
	if _, err := client.StreamSend(0, bytes.Repeat([]byte{1}, 5000), false); err != nil {
		t.Fatalf("StreamSend: %v", err)
	}

	buf := make([]byte, 65535)
	for {
		n, err := client.Send(buf)
		if errors.Is(err, ErrDone) {
			break
		}
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if n > 1200 {
			t.Fatalf("datagram of %d bytes exceeds limit", n)
		}
	}

	if _, err := client.Send(make([]byte, 10)); !errors.Is(err, ErrDone) {
		t.Errorf("Send with nothing pending = %v, want ErrDone", err)
	}
}

func TestFlowControl(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.MaxStreamData = 4000 })
	client, server := handshake(t, e)

	if _, err := client.StreamSend(0, []byte("GET /\r\n"), false); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server, testClientAddr)
	buf := make([]byte, 8192)
	if _, _, err := server.StreamRecv(0, buf); err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte{0xab}, 10000)
	n, err := server.StreamSend(0, data, false)
	if err != nil {
		t.Fatalf("StreamSend: %v", err)
	}
	if n != 4000 {
		t.Fatalf("StreamSend accepted %d bytes, want 4000", n)
	}
	if _, err := server.StreamSend(0, data[n:], false); !errors.Is(err, ErrDone) {
		t.Fatalf("StreamSend over limit error = %v, want ErrDone", err)
	}
	if w := server.Writable(); len(w) != 0 {
		t.Errorf("Writable() = %v with no capacity", w)
	}

	pump(t, server, client, testServerAddr)
	read, _, err := client.StreamRecv(0, buf)
	if err != nil || read != 4000 {
		t.Fatalf("client StreamRecv = %d, %v", read, err)
	}

	// Reading freed the window; the update reaches the server.
	pump(t, client, server, testClientAddr)
	if w := server.Writable(); len(w) != 1 || w[0] != 0 {
		t.Errorf("Writable() after window update = %v, want [0]", w)
	}
	n2, err := server.StreamSend(0, data[n:], false)
	if err != nil || n2 != 4000 {
		t.Errorf("StreamSend after update = %d, %v, want 4000", n2, err)
	}
}

func TestStreamSendErrors(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.MaxStreamsBidi = 2 })
	client, _ := handshake(t, e)

	if n, err := client.StreamSend(0, nil, false); err != nil || n != 0 {
		t.Errorf("zero-length send = %d, %v", n, err)
	}
	if _, err := client.StreamSend(2, []byte("x"), false); !errors.Is(err, ErrInvalidStream) {
		t.Errorf("unidirectional stream error = %v", err)
	}
	if _, err := client.StreamSend(8, []byte("x"), false); !errors.Is(err, ErrStreamLimit) {
		t.Errorf("stream over limit error = %v", err)
	}
	if _, err := client.StreamSend(4, []byte("x"), true); err != nil {
		t.Fatalf("StreamSend: %v", err)
	}
	if _, err := client.StreamSend(4, []byte("y"), false); !errors.Is(err, ErrFinalSize) {
		t.Errorf("write after fin error = %v", err)
	}
}

func TestRoundRobin(t *testing.T) {
	e := newTestEngine(t, nil)
	client, server := handshake(t, e)

	big := bytes.Repeat([]byte{'a'}, 20000)
	if _, err := client.StreamSend(0, big, false); err != nil {
		t.Fatal(err)
	}
	if _, err := client.StreamSend(4, []byte("small"), true); err != nil {
		t.Fatal(err)
	}

	// Stream 4 must not wait until stream 0 drains.
	buf := make([]byte, 1500)
	for i := 0; i < 3; i++ {
		n, err := client.Send(buf)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := server.Recv(buf[:n], testClientAddr); err != nil {
			t.Fatal(err)
		}
	}
	found := false
	for _, id := range server.Readable() {
		if id == 4 {
			found = true
		}
	}
	if !found {
		t.Errorf("stream 4 not readable after 3 packets, Readable() = %v", server.Readable())
	}
}

func TestClose(t *testing.T) {
	e := newTestEngine(t, nil)
	client, server := handshake(t, e)

	if err := server.Close(true, 0, "shutdown"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := server.Close(true, 0, "again"); !errors.Is(err, ErrDone) {
		t.Errorf("second Close error = %v, want ErrDone", err)
	}
	if server.IsClosed() {
		t.Error("server closed before CONNECTION_CLOSE was sent")
	}
	if _, err := server.StreamSend(0, []byte("x"), false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("StreamSend while closing error = %v", err)
	}

	pump(t, server, client, testServerAddr)
	if !server.IsClosed() {
		t.Error("server not closed after sending CONNECTION_CLOSE")
	}
	if !client.IsClosed() {
		t.Error("client not closed after receiving CONNECTION_CLOSE")
	}

	server.Free()
	server.Free()
	if _, err := server.Send(make([]byte, 1500)); !errors.Is(err, ErrDone) {
		t.Errorf("Send after Free error = %v", err)
	}
}

func TestRecvRejects(t *testing.T) {
	e := newTestEngine(t, nil)
	client, server := handshake(t, e)

	if _, err := client.StreamSend(0, []byte("hi"), false); err != nil {
		t.Fatal(err)
	}
	pkt := sendOne(t, client)

	other := netip.MustParseAddrPort("127.0.0.1:40001")
	if _, err := server.Recv(pkt, other); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("packet from other address error = %v, want ErrInvalidPacket", err)
	}
	if _, err := server.Recv([]byte{0x40, 1, 2}, testClientAddr); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("truncated packet error = %v, want ErrInvalidPacket", err)
	}
	if server.IsClosed() {
		t.Fatal("rejected packets closed the connection")
	}
	if _, err := server.Recv(pkt, testClientAddr); err != nil {
		t.Errorf("valid packet after rejects: %v", err)
	}
}

func TestEarlyData(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.EnableEarlyData = true })

	odcid := mustConnID(t, e)
	client, err := e.Connect(mustConnID(t, e), odcid, testServerAddr)
	if err != nil {
		t.Fatal(err)
	}
	first := sendOne(t, client)
	hdr, _ := e.ParseHeader(first)
	scid := mustConnID(t, e)
	retry := make([]byte, 1500)
	n, err := e.Retry(hdr, scid, []byte("tok"), retry)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Recv(retry[:n], testServerAddr); err != nil {
		t.Fatal(err)
	}

	server, err := e.Accept(scid, odcid, testClientAddr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := server.Recv(sendOne(t, client), testClientAddr); err != nil {
		t.Fatal(err)
	}
	if server.IsEstablished() || !server.IsInEarlyData() {
		t.Errorf("server established=%v early=%v, want handshake with early data",
			server.IsEstablished(), server.IsInEarlyData())
	}
}

func TestVersionNegotiation(t *testing.T) {
	e := newTestEngine(t, nil)

	// A client of another version gets a negotiation packet.
	b := wire.AppendLongHeader(nil, wire.PacketInitial, 0x00000001,
		quic.ConnectionIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		quic.ConnectionIDFromBytes([]byte{9, 9, 9, 9}), nil, 0)
	hdr, err := e.ParseHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if e.VersionSupported(hdr.Version) {
		t.Fatal("version 1 reported as supported")
	}
	out := make([]byte, 1500)
	n, err := e.NegotiateVersion(hdr, out)
	if err != nil {
		t.Fatalf("NegotiateVersion: %v", err)
	}
	vn, err := e.ParseHeader(out[:n])
	if err != nil {
		t.Fatal(err)
	}
	if vn.Type != wire.PacketVersionNegotiation || vn.DestConnID != hdr.SrcConnID {
		t.Errorf("negotiation header = %+v", vn)
	}
	if _, err := e.NegotiateVersion(vn, out); err == nil {
		t.Error("negotiation answered a negotiation packet")
	}

	// A client of our version receiving a list without it gives up.
	odcid := mustConnID(t, e)
	scid := mustConnID(t, e)
	client, err := e.Connect(scid, odcid, testServerAddr)
	if err != nil {
		t.Fatal(err)
	}
	foreign := wire.AppendVersionNegotiation(nil, scid, odcid, []quic.Version{0x1a2a3a4a})
	if _, err := client.Recv(foreign, testServerAddr); err != nil {
		t.Fatalf("Recv(version negotiation): %v", err)
	}
	if !client.IsClosed() {
		t.Error("client not closed after incompatible version negotiation")
	}
}

func TestRetryErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	hdr := &wire.Header{Type: wire.PacketHandshake, Version: wire.VersionDeskcast1}
	if _, err := e.Retry(hdr, mustConnID(t, e), []byte("t"), make([]byte, 100)); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("Retry for Handshake error = %v", err)
	}

	hdr.Type = wire.PacketInitial
	hdr.SrcConnID = mustConnID(t, e)
	if _, err := e.Retry(hdr, mustConnID(t, e), nil, make([]byte, 100)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Retry without token error = %v", err)
	}
	if _, err := e.Retry(hdr, mustConnID(t, e), []byte("token"), make([]byte, 10)); !errors.Is(err, ErrBufferTooShort) {
		t.Errorf("Retry into short buffer error = %v", err)
	}
}

func TestTransportParams(t *testing.T) {
	p := transportParams{
		MaxData:            1 << 20,
		MaxStreamData:      1 << 16,
		MaxStreamsBidi:     10,
		EarlyData:          true,
		ALPN:               []string{"hq-interop", "http/0.9"},
		OriginalDestConnID: quic.ConnectionIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
	}
	got, err := parseTransportParams(p.append(nil))
	if err != nil {
		t.Fatalf("parseTransportParams: %v", err)
	}
	if got.MaxData != p.MaxData || got.MaxStreamData != p.MaxStreamData || got.MaxStreamsBidi != p.MaxStreamsBidi {
		t.Errorf("limits = %+v", got)
	}
	if !got.EarlyData || len(got.ALPN) != 2 || got.ALPN[1] != "http/0.9" {
		t.Errorf("early data / alpn = %v / %v", got.EarlyData, got.ALPN)
	}
	if got.OriginalDestConnID != p.OriginalDestConnID || got.RetrySourceConnID.Len() != 0 {
		t.Errorf("conn ids = %s / %s", got.OriginalDestConnID, got.RetrySourceConnID)
	}

	if _, err := parseTransportParams([]byte{0x04, 0x08, 0x01}); err == nil {
		t.Error("truncated params parsed")
	}
}

func TestSelectALPN(t *testing.T) {
	if got, ok := selectALPN([]string{"hq-29", "hq-interop"}, []string{"hq-interop", "hq-29"}); !ok || got != "hq-interop" {
		t.Errorf("selectALPN = %q, %v", got, ok)
	}
	if _, ok := selectALPN([]string{"h3"}, []string{"hq-interop"}); ok {
		t.Error("selectALPN matched disjoint lists")
	}
}
