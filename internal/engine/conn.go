package engine

import (
	"fmt"
	"net/netip"
	"slices"
	"sort"

	"github.com/quic-go/quic-go"

	"github.com/deskcast/deskcast/internal/wire"
)

type connState int

const (
	stateInitial connState = iota
	stateHandshake
	stateEstablished
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateHandshake:
		return "handshake"
	case stateEstablished:
		return "established"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Encryption levels, used here only to separate handshake data streams.
const (
	levelInitial = iota
	levelHandshake
	levelApplication
)

// Transport error codes.
const (
	codeFlowControl           = 0x03
	codeStreamLimit           = 0x04
	codeStreamState           = 0x05
	codeFinalSize             = 0x06
	codeFrameEncoding         = 0x07
	codeTransportParameter    = 0x08
	codeProtocolViolation     = 0x0a
	codeNoApplicationProtocol = 0x178
)

const maxCloseReason = 128

type connection struct {
	cfg     *Config
	server  bool
	version quic.Version
	peer    netip.AddrPort

	scid  quic.ConnectionID // ours
	dcid  quic.ConnectionID // peer's
	odcid quic.ConnectionID // client's first destination id

	dcidConfirmed bool
	retried       bool
	token         []byte // client: echoed in Initial packets

	state     connState
	earlyData bool
	alpn      string

	hello        []byte // client: ClientHello, resent after a Retry
	cryptoOut    [2][]byte
	cryptoOutOff [2]uint64
	cryptoIn     [2][]byte
	cryptoInOff  [2]uint64

	handshakeDonePending bool

	closeFrame  *wire.CloseFrame
	closePacket wire.PacketType

	streams        map[uint64]*stream
	nextLocal      uint64
	nextPeer       uint64
	peerMaxStreams uint64
	peerStreamMax  uint64

	peerMaxData    uint64 // send limit
	sentData       uint64 // bytes accepted by StreamSend
	recvMax        uint64 // receive limit advertised to the peer
	recvData       uint64
	readData       uint64
	maxDataPending bool

	lastServed   uint64
	servedBefore bool

	payload []byte
	stats   Stats
	freed   bool
}

func newConnection(cfg *Config, server bool, scid, dcid, odcid quic.ConnectionID, peer netip.AddrPort) *connection {
	c := &connection{
		cfg:     cfg,
		server:  server,
		version: wire.VersionDeskcast1,
		peer:    unmapAddrPort(peer),
		scid:    scid,
		dcid:    dcid,
		odcid:   odcid,
		streams: make(map[uint64]*stream),
		recvMax: cfg.MaxData,
		payload: make([]byte, 0, cfg.MaxDatagramSize),
	}
	if server {
		c.nextLocal, c.nextPeer = 1, 0
	} else {
		c.nextLocal, c.nextPeer = 0, 1
	}
	return c
}

func newServerConn(cfg *Config, scid, odcid quic.ConnectionID, peer netip.AddrPort) *connection {
	c := newConnection(cfg, true, scid, quic.ConnectionID{}, odcid, peer)
	c.retried = scid != odcid
	c.stats.Retried = c.retried
	return c
}

func newClientConn(cfg *Config, scid, dcid quic.ConnectionID, peer netip.AddrPort) *connection {
	c := newConnection(cfg, false, scid, dcid, dcid, peer)
	params := transportParams{
		MaxData:        cfg.MaxData,
		MaxStreamData:  cfg.MaxStreamData,
		MaxStreamsBidi: cfg.MaxStreamsBidi,
		EarlyData:      cfg.EnableEarlyData,
		ALPN:           cfg.ALPN,
	}
	c.hello = appendMessage(nil, msgClientHello, params.append(nil))
	c.cryptoOut[levelInitial] = c.hello
	return c
}

// Recv processes one datagram. Only the first packet of a coalesced
// datagram is read.
func (c *connection) Recv(b []byte, from netip.AddrPort) (int, error) {
	if c.freed || c.state == stateClosed {
		return 0, ErrDone
	}
	if unmapAddrPort(from) != c.peer {
		return 0, fmt.Errorf("%w: unexpected source address %s", ErrInvalidPacket, from)
	}

	hdr, err := wire.ParseHeader(b, c.scid.Len())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}

	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(len(b))

	if c.state == stateClosing {
		return len(b), nil
	}

	switch hdr.Type {
	case wire.PacketVersionNegotiation:
		return len(b), c.recvVersionNegotiation(hdr)
	case wire.PacketRetry:
		return len(b), c.recvRetry(hdr)
	}

	if hdr.DestConnID != c.scid {
		return 0, fmt.Errorf("%w: unknown destination id %s", ErrInvalidPacket, hdr.DestConnID)
	}
	if hdr.IsLong() && hdr.Version != c.version {
		return 0, fmt.Errorf("%w: version %s", ErrInvalidPacket, hdr.Version)
	}

	var level int
	switch hdr.Type {
	case wire.PacketInitial:
		if !c.server {
			return 0, fmt.Errorf("%w: Initial packet from server", ErrInvalidPacket)
		}
		if len(b) < wire.MinInitialSize {
			return 0, fmt.Errorf("%w: Initial datagram of %d bytes", ErrInvalidPacket, len(b))
		}
		level = levelInitial
	case wire.PacketHandshake:
		level = levelHandshake
	case wire.PacketShort:
		if !c.canSendApplication() {
			return 0, fmt.Errorf("%w: short packet in %s state", ErrInvalidPacket, c.state)
		}
		level = levelApplication
	default:
		return 0, fmt.Errorf("%w: unsupported packet type %s", ErrInvalidPacket, hdr.Type)
	}

	if hdr.IsLong() {
		if !c.dcidConfirmed {
			c.dcid = hdr.SrcConnID
			c.dcidConfirmed = true
		} else if hdr.SrcConnID != c.dcid {
			return 0, fmt.Errorf("%w: source id changed to %s", ErrInvalidPacket, hdr.SrcConnID)
		}
	}

	if err := c.processFrames(level, hdr.Payload(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *connection) recvVersionNegotiation(hdr *wire.Header) error {
	if c.server || c.state != stateInitial || c.retried {
		return fmt.Errorf("%w: unexpected version negotiation", ErrInvalidPacket)
	}
	if hdr.DestConnID != c.scid || hdr.SrcConnID != c.odcid {
		return fmt.Errorf("%w: version negotiation ids do not match", ErrInvalidPacket)
	}
	for _, v := range hdr.SupportedVersions {
		if v == c.version {
			return fmt.Errorf("%w: version negotiation lists the current version", ErrInvalidPacket)
		}
	}
	c.state = stateClosed
	c.stats.CloseReason = ErrNoCompatibleVersion.Error()
	return nil
}

func (c *connection) recvRetry(hdr *wire.Header) error {
	if c.server || c.state != stateInitial || c.retried {
		return fmt.Errorf("%w: unexpected retry", ErrInvalidPacket)
	}
	if hdr.DestConnID != c.scid {
		return fmt.Errorf("%w: retry for %s", ErrInvalidPacket, hdr.DestConnID)
	}
	if len(hdr.Token) == 0 {
		return fmt.Errorf("%w: retry without token", ErrInvalidPacket)
	}
	if hdr.SrcConnID == c.odcid {
		return fmt.Errorf("%w: retry does not change the connection id", ErrInvalidPacket)
	}

	c.token = append([]byte(nil), hdr.Token...)
	c.dcid = hdr.SrcConnID
	c.retried = true
	c.stats.Retried = true

	c.cryptoOut[levelInitial] = c.hello
	c.cryptoOutOff[levelInitial] = 0
	return nil
}

func (c *connection) processFrames(level int, payload []byte) error {
	if len(payload) == 0 {
		return c.protocolError(codeProtocolViolation, 0, "packet without frames")
	}
	for len(payload) > 0 {
		f, n, err := wire.ParseFrame(payload)
		if err != nil {
			c.closeLocal(false, codeFrameEncoding, 0, err.Error())
			return fmt.Errorf("%w: %w", ErrInvalidPacket, err)
		}
		payload = payload[n:]

		if err := c.handleFrame(level, f); err != nil {
			return err
		}
		if c.state >= stateClosing {
			return nil
		}
	}
	return nil
}

func (c *connection) handleFrame(level int, f wire.Frame) error {
	switch f := f.(type) {
	case *wire.PaddingFrame, *wire.PingFrame:

	case *wire.CryptoFrame:
		if level == levelApplication {
			return c.protocolError(codeProtocolViolation, wire.FrameCrypto, "CRYPTO in short packet")
		}
		return c.recvCrypto(level, f)

	case *wire.StreamFrame:
		if level != levelApplication {
			return c.protocolError(codeProtocolViolation, wire.FrameStream, "STREAM in long packet")
		}
		return c.recvStream(f)

	case *wire.MaxDataFrame:
		if level != levelApplication {
			return c.protocolError(codeProtocolViolation, wire.FrameMaxData, "MAX_DATA in long packet")
		}
		c.peerMaxData = max(c.peerMaxData, f.Max)

	case *wire.MaxStreamDataFrame:
		if level != levelApplication {
			return c.protocolError(codeProtocolViolation, wire.FrameMaxStreamData, "MAX_STREAM_DATA in long packet")
		}
		if s, ok := c.streams[f.StreamID]; ok {
			s.sendMax = max(s.sendMax, f.Max)
		}

	case *wire.HandshakeDoneFrame:
		if c.server {
			return c.protocolError(codeProtocolViolation, wire.FrameHandshakeDone, "HANDSHAKE_DONE from client")
		}

	case *wire.CloseFrame:
		c.state = stateClosed
		c.closeFrame = nil
		c.stats.CloseReason = fmt.Sprintf("peer closed: code 0x%x %q", f.Code, f.Reason)
	}
	return nil
}

func (c *connection) recvCrypto(level int, f *wire.CryptoFrame) error {
	end := f.Offset + uint64(len(f.Data))
	if f.Offset > c.cryptoInOff[level] {
		return fmt.Errorf("%w: handshake data gap at offset %d", ErrInvalidPacket, c.cryptoInOff[level])
	}
	if end <= c.cryptoInOff[level] {
		return nil
	}
	c.cryptoIn[level] = append(c.cryptoIn[level], f.Data[c.cryptoInOff[level]-f.Offset:]...)
	c.cryptoInOff[level] = end

	for {
		typ, body, rest, ok, err := nextMessage(c.cryptoIn[level])
		if err != nil {
			return c.protocolError(codeProtocolViolation, wire.FrameCrypto, err.Error())
		}
		if !ok {
			return nil
		}
		c.cryptoIn[level] = rest
		if err := c.handleMessage(level, typ, body); err != nil {
			return err
		}
	}
}

func (c *connection) handleMessage(level int, typ byte, body []byte) error {
	switch {
	case c.server && level == levelInitial && typ == msgClientHello && c.state == stateInitial:
		return c.handleClientHello(body)
	case !c.server && level == levelHandshake && typ == msgServerHello && c.state == stateInitial:
		return c.handleServerHello(body)
	case c.server && level == levelHandshake && typ == msgFinished && c.state == stateHandshake:
		c.state = stateEstablished
		c.handshakeDonePending = true
		return nil
	default:
		return c.protocolError(codeProtocolViolation, wire.FrameCrypto,
			fmt.Sprintf("unexpected handshake message 0x%02x in %s state", typ, c.state))
	}
}

func (c *connection) handleClientHello(body []byte) error {
	p, err := parseTransportParams(body)
	if err != nil {
		return c.protocolError(codeTransportParameter, wire.FrameCrypto, err.Error())
	}
	proto, ok := selectALPN(c.cfg.ALPN, p.ALPN)
	if !ok {
		return c.protocolError(codeNoApplicationProtocol, wire.FrameCrypto, "no application protocol")
	}
	c.alpn = proto
	c.earlyData = c.cfg.EnableEarlyData && p.EarlyData
	c.applyPeerParams(p)

	reply := transportParams{
		MaxData:            c.cfg.MaxData,
		MaxStreamData:      c.cfg.MaxStreamData,
		MaxStreamsBidi:     c.cfg.MaxStreamsBidi,
		EarlyData:          c.earlyData,
		ALPN:               []string{proto},
		OriginalDestConnID: c.odcid,
	}
	if c.retried {
		reply.RetrySourceConnID = c.scid
	}
	c.cryptoOut[levelHandshake] = appendMessage(c.cryptoOut[levelHandshake], msgServerHello, reply.append(nil))
	c.state = stateHandshake
	return nil
}

func (c *connection) handleServerHello(body []byte) error {
	p, err := parseTransportParams(body)
	if err != nil {
		return c.protocolError(codeTransportParameter, wire.FrameCrypto, err.Error())
	}
	if p.OriginalDestConnID != c.odcid {
		return c.protocolError(codeTransportParameter, wire.FrameCrypto, "original destination id mismatch")
	}
	if c.retried && p.RetrySourceConnID != c.dcid {
		return c.protocolError(codeTransportParameter, wire.FrameCrypto, "retry source id mismatch")
	}
	if !c.retried && p.RetrySourceConnID.Len() > 0 {
		return c.protocolError(codeTransportParameter, wire.FrameCrypto, "unexpected retry source id")
	}
	if len(p.ALPN) != 1 || !slices.Contains(c.cfg.ALPN, p.ALPN[0]) {
		return c.protocolError(codeNoApplicationProtocol, wire.FrameCrypto, "server selected an unknown protocol")
	}
	c.alpn = p.ALPN[0]
	c.earlyData = c.cfg.EnableEarlyData && p.EarlyData
	c.applyPeerParams(p)

	c.cryptoOut[levelHandshake] = appendMessage(c.cryptoOut[levelHandshake], msgFinished, nil)
	c.state = stateEstablished
	return nil
}

func (c *connection) applyPeerParams(p *transportParams) {
	c.peerMaxData = p.MaxData
	c.peerStreamMax = p.MaxStreamData
	c.peerMaxStreams = p.MaxStreamsBidi
}

func (c *connection) recvStream(f *wire.StreamFrame) error {
	if !isBidi(f.StreamID) {
		return c.protocolError(codeStreamState, wire.FrameStream, "unidirectional streams are not supported")
	}
	s, err := c.peerStream(f.StreamID)
	if err != nil || s == nil {
		return err
	}

	end := f.Offset + uint64(len(f.Data))
	if s.finRecv && (end > s.finalSize || (f.Fin && end != s.finalSize)) {
		return c.protocolError(codeFinalSize, wire.FrameStream, "stream data beyond final size")
	}
	if f.Fin && end < s.recvOff {
		return c.protocolError(codeFinalSize, wire.FrameStream, "final size below received data")
	}
	if end > s.recvMax {
		return c.protocolError(codeFlowControl, wire.FrameStream, "stream flow control limit exceeded")
	}
	if f.Offset > s.recvOff {
		return fmt.Errorf("%w: stream %d data gap at offset %d", ErrInvalidPacket, s.id, s.recvOff)
	}

	if end > s.recvOff {
		fresh := end - s.recvOff
		if c.recvData+fresh > c.recvMax {
			return c.protocolError(codeFlowControl, wire.FrameStream, "connection flow control limit exceeded")
		}
		s.recvBuf = append(s.recvBuf, f.Data[s.recvOff-f.Offset:]...)
		s.recvOff = end
		c.recvData += fresh
	}
	if f.Fin {
		s.finRecv = true
		s.finalSize = end
	}
	return nil
}

// peerStream returns the stream for a received frame, opening peer streams
// on demand. It returns nil for streams that were already retired.
func (c *connection) peerStream(id uint64) (*stream, error) {
	if s, ok := c.streams[id]; ok {
		return s, nil
	}
	if isLocal(id, c.server) {
		if id < c.nextLocal {
			return nil, nil
		}
		return nil, c.protocolError(codeStreamState, wire.FrameStream, fmt.Sprintf("stream %d not opened", id))
	}
	if id < c.nextPeer {
		return nil, nil
	}
	if id/4 >= c.cfg.MaxStreamsBidi {
		return nil, c.protocolError(codeStreamLimit, wire.FrameStream, fmt.Sprintf("stream %d over limit", id))
	}
	for next := c.nextPeer; next <= id; next += 4 {
		c.openStream(next)
	}
	c.nextPeer = id + 4
	return c.streams[id], nil
}

func (c *connection) openStream(id uint64) *stream {
	s := &stream{
		id:      id,
		sendMax: c.peerStreamMax,
		recvMax: c.cfg.MaxStreamData,
	}
	c.streams[id] = s
	c.stats.StreamsOpened++
	return s
}

func (c *connection) protocolError(code, frameType uint64, reason string) error {
	c.closeLocal(false, code, frameType, reason)
	return fmt.Errorf("%w: %s", ErrInvalidPacket, reason)
}

func (c *connection) closeLocal(app bool, code, frameType uint64, reason string) {
	if c.state >= stateClosing {
		return
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	switch {
	case c.state == stateEstablished:
		c.closePacket = wire.PacketShort
	case c.server:
		c.closePacket = wire.PacketHandshake
	default:
		c.closePacket = wire.PacketInitial
	}
	c.closeFrame = &wire.CloseFrame{Application: app, Code: code, FrameType: frameType, Reason: reason}
	c.stats.CloseReason = fmt.Sprintf("local close: code 0x%x %q", code, reason)
	c.state = stateClosing
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (c *connection) canSendApplication() bool {
	return c.state == stateEstablished || c.IsInEarlyData()
}

// Send writes the next packet into out.
func (c *connection) Send(out []byte) (int, error) {
	if c.freed || c.state == stateClosed {
		return 0, ErrDone
	}
	limit := min(len(out), c.cfg.MaxDatagramSize)
	out = out[:limit]

	if c.state == stateClosing {
		return c.sendClose(out)
	}
	if len(c.cryptoOut[levelInitial]) > 0 {
		return c.sendCrypto(out, wire.PacketInitial, levelInitial)
	}
	if len(c.cryptoOut[levelHandshake]) > 0 {
		return c.sendCrypto(out, wire.PacketHandshake, levelHandshake)
	}
	if c.canSendApplication() {
		return c.sendApplication(out)
	}
	return 0, ErrDone
}

func (c *connection) sendCrypto(out []byte, t wire.PacketType, level int) (int, error) {
	if t == wire.PacketInitial && len(out) < wire.MinInitialSize {
		return 0, ErrBufferTooShort
	}

	data := c.cryptoOut[level]
	off := c.cryptoOutOff[level]
	space := len(out) - wire.LongHeaderLen(t, c.dcid, c.scid, c.token, len(out))
	overhead := (&wire.CryptoFrame{Offset: off, Data: data}).Len() - len(data)
	if space <= overhead {
		return 0, ErrBufferTooShort
	}

	n := min(len(data), space-overhead)
	payload := (&wire.CryptoFrame{Offset: off, Data: data[:n]}).Append(c.payload[:0])

	c.cryptoOut[level] = data[n:]
	if len(c.cryptoOut[level]) == 0 {
		c.cryptoOut[level] = nil
	}
	c.cryptoOutOff[level] += uint64(n)

	return c.finishLong(out, t, payload), nil
}

func (c *connection) sendClose(out []byte) (int, error) {
	f := c.closeFrame
	if c.closePacket == wire.PacketInitial && len(out) < wire.MinInitialSize {
		return 0, ErrBufferTooShort
	}

	payload := f.Append(c.payload[:0])

	var n int
	if c.closePacket == wire.PacketShort {
		if len(out) < 1+c.dcid.Len()+len(payload) {
			return 0, ErrBufferTooShort
		}
		b := wire.AppendShortHeader(out[:0], c.dcid)
		n = len(append(b, payload...))
		c.countSent(n)
	} else {
		if len(out) < wire.LongHeaderLen(c.closePacket, c.dcid, c.scid, c.token, len(payload))+len(payload) {
			return 0, ErrBufferTooShort
		}
		n = c.finishLong(out, c.closePacket, payload)
	}

	c.closeFrame = nil
	c.state = stateClosed
	return n, nil
}

// finishLong writes a long header and payload into out, padding client
// Initial packets to the minimum Initial size.
func (c *connection) finishLong(out []byte, t wire.PacketType, payload []byte) int {
	var token []byte
	if t == wire.PacketInitial {
		token = c.token
		for wire.LongHeaderLen(t, c.dcid, c.scid, token, len(payload))+len(payload) < wire.MinInitialSize {
			payload = append(payload, wire.FramePadding)
		}
	}
	b := wire.AppendLongHeader(out[:0], t, c.version, c.dcid, c.scid, token, len(payload))
	b = append(b, payload...)
	c.payload = payload[:0]
	c.countSent(len(b))
	return len(b)
}

func (c *connection) hasApplicationData() bool {
	if c.maxDataPending || (c.handshakeDonePending && c.state == stateEstablished) {
		return true
	}
	for _, s := range c.streams {
		if s.updatePend || s.hasPending() {
			return true
		}
	}
	return false
}

func (c *connection) sendApplication(out []byte) (int, error) {
	if !c.hasApplicationData() {
		return 0, ErrDone
	}
	space := len(out) - 1 - c.dcid.Len()
	if space <= 0 {
		return 0, ErrBufferTooShort
	}

	payload := c.payload[:0]
	if c.handshakeDonePending && c.state == stateEstablished {
		payload = (&wire.HandshakeDoneFrame{}).Append(payload)
		c.handshakeDonePending = false
	}
	if c.maxDataPending {
		f := &wire.MaxDataFrame{Max: c.recvMax}
		if len(payload)+f.Len() <= space {
			payload = f.Append(payload)
			c.maxDataPending = false
		}
	}
	for _, id := range c.sortedStreams(func(s *stream) bool { return s.updatePend }) {
		s := c.streams[id]
		f := &wire.MaxStreamDataFrame{StreamID: id, Max: s.recvMax}
		if len(payload)+f.Len() > space {
			break
		}
		payload = f.Append(payload)
		s.updatePend = false
	}
	payload = c.appendStreamFrames(payload, space)

	if len(payload) == 0 {
		return 0, ErrDone
	}

	b := wire.AppendShortHeader(out[:0], c.dcid)
	b = append(b, payload...)
	c.payload = payload[:0]
	c.countSent(len(b))
	return len(b), nil
}

// appendStreamFrames packs stream data round robin, starting after the
// stream served last, so one busy stream cannot starve the others.
func (c *connection) appendStreamFrames(payload []byte, space int) []byte {
	ids := c.sortedStreams((*stream).hasPending)
	if len(ids) == 0 {
		return payload
	}

	start := 0
	if c.servedBefore {
		start = sort.Search(len(ids), func(i int) bool { return ids[i] > c.lastServed })
		if start == len(ids) {
			start = 0
		}
	}

	for i := range ids {
		s := c.streams[ids[(start+i)%len(ids)]]
		room := space - len(payload) - wire.StreamFrameOverhead(s.id, s.sendOff, len(s.sendBuf))
		if room < 0 || (room == 0 && len(s.sendBuf) > 0) {
			break
		}

		n := min(room, len(s.sendBuf))
		fin := s.finQueued && n == len(s.sendBuf)
		f := &wire.StreamFrame{StreamID: s.id, Offset: s.sendOff, Data: s.sendBuf[:n], Fin: fin}
		payload = f.Append(payload)

		s.sendBuf = s.sendBuf[n:]
		if len(s.sendBuf) == 0 {
			s.sendBuf = nil
		}
		s.sendOff += uint64(n)
		if fin {
			s.finSent = true
		}
		c.lastServed = s.id
		c.servedBefore = true

		if s.done() {
			delete(c.streams, s.id)
		}
	}
	return payload
}

func (c *connection) countSent(n int) {
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
}

func (c *connection) sortedStreams(match func(*stream) bool) []uint64 {
	var ids []uint64
	for id, s := range c.streams {
		if match(s) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// StreamSend queues data on a stream, opening local streams on demand.
func (c *connection) StreamSend(id uint64, b []byte, fin bool) (int, error) {
	if c.freed || c.state >= stateClosing {
		return 0, fmt.Errorf("%w: connection %s", ErrInvalidState, c.state)
	}
	if !c.canSendApplication() {
		return 0, fmt.Errorf("%w: handshake not complete", ErrInvalidState)
	}
	if !isBidi(id) {
		return 0, fmt.Errorf("%w: stream %d is unidirectional", ErrInvalidStream, id)
	}

	s, ok := c.streams[id]
	if !ok {
		if !isLocal(id, c.server) || id < c.nextLocal {
			return 0, fmt.Errorf("%w: stream %d", ErrInvalidStream, id)
		}
		if id/4 >= c.peerMaxStreams {
			return 0, fmt.Errorf("%w: stream %d", ErrStreamLimit, id)
		}
		for next := c.nextLocal; next <= id; next += 4 {
			c.openStream(next)
		}
		c.nextLocal = id + 4
		s = c.streams[id]
	}

	if s.finQueued {
		return 0, fmt.Errorf("%w: stream %d", ErrFinalSize, id)
	}
	if len(b) == 0 && !fin {
		return 0, nil
	}

	avail := s.capacity()
	if c.sentData < c.peerMaxData {
		avail = min(avail, c.peerMaxData-c.sentData)
	} else {
		avail = 0
	}
	n := min(uint64(len(b)), avail)
	if n == 0 && len(b) > 0 {
		return 0, ErrDone
	}

	s.sendBuf = append(s.sendBuf, b[:n]...)
	c.sentData += n
	if fin && n == uint64(len(b)) {
		s.finQueued = true
	}
	return int(n), nil
}

// StreamRecv reads received data from a stream.
func (c *connection) StreamRecv(id uint64, b []byte) (int, bool, error) {
	if c.freed {
		return 0, false, fmt.Errorf("%w: connection freed", ErrInvalidState)
	}
	s, ok := c.streams[id]
	if !ok {
		return 0, false, fmt.Errorf("%w: stream %d", ErrInvalidStream, id)
	}
	if !s.readable() {
		return 0, false, ErrDone
	}

	n := copy(b, s.recvBuf)
	s.recvBuf = s.recvBuf[n:]
	if len(s.recvBuf) == 0 {
		s.recvBuf = nil
	}
	s.readOff += uint64(n)
	c.readData += uint64(n)

	fin := s.finRecv && len(s.recvBuf) == 0
	if fin {
		s.finDelivered = true
	}
	c.updateFlowControl(s)

	if s.done() {
		delete(c.streams, id)
	}
	return n, fin, nil
}

// updateFlowControl extends receive windows once half has been consumed.
func (c *connection) updateFlowControl(s *stream) {
	if !s.finRecv && s.recvMax-s.readOff < c.cfg.MaxStreamData/2 {
		s.recvMax = s.readOff + c.cfg.MaxStreamData
		s.updatePend = true
	}
	if c.recvMax-c.readData < c.cfg.MaxData/2 {
		c.recvMax = c.readData + c.cfg.MaxData
		c.maxDataPending = true
	}
}

func (c *connection) Readable() []uint64 {
	if c.freed {
		return nil
	}
	return c.sortedStreams((*stream).readable)
}

func (c *connection) Writable() []uint64 {
	if c.freed || !c.canSendApplication() || c.sentData >= c.peerMaxData {
		return nil
	}
	return c.sortedStreams(func(s *stream) bool { return s.capacity() > 0 })
}

func (c *connection) IsEstablished() bool {
	return c.state == stateEstablished
}

func (c *connection) IsInEarlyData() bool {
	return c.server && c.state == stateHandshake && c.earlyData
}

func (c *connection) IsClosed() bool {
	return c.state == stateClosed
}

// Close queues a CONNECTION_CLOSE. It returns ErrDone if the connection is
// already closing.
func (c *connection) Close(app bool, code uint64, reason string) error {
	if c.freed || c.state >= stateClosing {
		return ErrDone
	}
	c.closeLocal(app, code, 0, reason)
	return nil
}

func (c *connection) Stats() Stats {
	return c.stats
}

// ALPN returns the negotiated application protocol.
func (c *connection) ALPN() string {
	return c.alpn
}

func (c *connection) Free() {
	if c.freed {
		return
	}
	c.freed = true
	c.state = stateClosed
	c.streams = nil
	c.cryptoOut = [2][]byte{}
	c.cryptoIn = [2][]byte{}
	c.payload = nil
	c.closeFrame = nil
}
