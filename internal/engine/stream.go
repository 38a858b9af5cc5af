package engine

// stream is one bidirectional byte stream.
type stream struct {
	id uint64

	// Send side. sendBuf holds bytes accepted by StreamSend but not yet
	// packetized; sendOff is the stream offset of sendBuf[0].
	sendBuf   []byte
	sendOff   uint64
	sendMax   uint64 // peer's flow control limit
	finQueued bool
	finSent   bool

	// Receive side. Data is only accepted in order.
	recvBuf      []byte
	recvOff      uint64 // next expected offset
	readOff      uint64 // bytes handed to the application
	recvMax      uint64 // limit advertised to the peer
	finRecv      bool
	finalSize    uint64
	finDelivered bool
	updatePend   bool
}

// written returns the total bytes accepted for sending.
func (s *stream) written() uint64 {
	return s.sendOff + uint64(len(s.sendBuf))
}

// capacity returns how many more bytes the stream accepts.
func (s *stream) capacity() uint64 {
	if s.finQueued || s.written() >= s.sendMax {
		return 0
	}
	return s.sendMax - s.written()
}

// hasPending reports whether the stream has bytes or a fin to packetize.
func (s *stream) hasPending() bool {
	return len(s.sendBuf) > 0 || (s.finQueued && !s.finSent)
}

func (s *stream) readable() bool {
	return len(s.recvBuf) > 0 || (s.finRecv && !s.finDelivered)
}

// done reports whether both directions are complete and the stream can be
// forgotten.
func (s *stream) done() bool {
	return s.finSent && s.finDelivered
}

// isLocal reports whether id was opened by the given side.
func isLocal(id uint64, server bool) bool {
	return (id&0x1 == 1) == server
}

func isBidi(id uint64) bool {
	return id&0x2 == 0
}
