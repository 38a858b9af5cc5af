package server

import (
	"errors"
	"net/netip"

	"github.com/quic-go/quic-go"

	"github.com/deskcast/deskcast/internal/logging"
	"github.com/deskcast/deskcast/internal/metrics"
	"github.com/deskcast/deskcast/internal/session"
	"github.com/deskcast/deskcast/internal/wire"
)

// handleDatagram routes one received datagram. Datagrams for unknown
// connection ids must carry a retry token that proves the sender owns its
// address; everything else is answered statelessly or dropped.
func (s *Server) handleDatagram(b []byte, from netip.AddrPort) {
	s.stats.datagramsReceived.Add(1)
	s.stats.bytesReceived.Add(uint64(len(b)))
	s.metrics.RecordReceived(len(b))

	if len(b) > s.engine.MaxDatagramSize() {
		s.drop(metrics.DropOversized, from, "datagram exceeds maximum size")
		return
	}

	hdr, err := s.engine.ParseHeader(b)
	if err != nil {
		reason := "malformed header"
		if errors.Is(err, wire.ErrTokenTooLong) {
			reason = "token too long"
		}
		s.drop(metrics.DropMalformed, from, reason)
		return
	}

	sess, ok := s.sessions.Lookup(hdr.DestConnID)
	if !ok {
		if sess = s.admit(hdr, b, from); sess == nil {
			return
		}
	} else if len(hdr.Token) > 0 {
		if _, err := s.tokens.Validate(hdr.Token, from, wire.MaxConnIDLen); err != nil {
			s.rejectToken(from, err)
			return
		}
	}

	if err := sess.Ingest(b, from); err != nil {
		s.metrics.IngestErrors.Inc()
		s.logger.Debug("datagram rejected",
			logging.KeyConnID, sess.ID.String(),
			logging.KeyPeerAddr, from.String(),
			logging.KeyPacketType, hdr.Type.String(),
			logging.KeyError, err)
	}
}

// admit handles a datagram for an unregistered connection id and returns
// the session created for it, or nil.
func (s *Server) admit(hdr *wire.Header, b []byte, from netip.AddrPort) *session.Session {
	if hdr.IsLong() && !s.engine.VersionSupported(hdr.Version) {
		if hdr.Type == wire.PacketVersionNegotiation {
			s.drop(metrics.DropMalformed, from, "version negotiation from client")
			return nil
		}
		s.negotiateVersion(hdr, len(b), from)
		return nil
	}
	if hdr.Type != wire.PacketInitial {
		s.drop(metrics.DropNotInitial, from, "unknown connection id")
		return nil
	}
	if len(hdr.Token) == 0 {
		s.sendRetry(hdr, from)
		return nil
	}

	odcid, err := s.tokens.Validate(hdr.Token, from, wire.MaxConnIDLen)
	if err != nil {
		s.rejectToken(from, err)
		return nil
	}

	conn, err := s.engine.Accept(hdr.DestConnID, quic.ConnectionIDFromBytes(odcid), from)
	if err != nil {
		s.drop(metrics.DropAcceptFailed, from, err.Error())
		return nil
	}
	sess := session.New(hdr.DestConnID, from, conn, session.Options{
		MaxAccumulate: s.cfg.MaxRequestSize,
		MaxPending:    s.cfg.MaxPendingBytes,
		Logger:        s.logger,
		Now:           s.now,
	})
	if err := s.sessions.Insert(hdr.DestConnID, sess); err != nil {
		_ = sess.Close()
		s.drop(metrics.DropRegistryFull, from, err.Error())
		return nil
	}

	s.stats.sessions.Add(1)
	s.stats.sessionsCreated.Add(1)
	s.metrics.RecordSessionCreated()
	s.logger.Info("session created",
		logging.KeyConnID, hdr.DestConnID.String(),
		logging.KeyODCID, quic.ConnectionIDFromBytes(odcid).String(),
		logging.KeyPeerAddr, from.String(),
		logging.KeySessions, s.sessions.Len())
	return sess
}

// sendRetry challenges a first-contact Initial. No state is kept: the
// token carries everything needed to accept the client's next Initial.
func (s *Server) sendRetry(hdr *wire.Header, from netip.AddrPort) {
	if s.retryLimiter != nil && !s.retryLimiter.AllowN(s.now(), 1) {
		s.metrics.RetriesRateLimited.Inc()
		s.drop(metrics.DropRateLimited, from, "retry rate limit")
		return
	}

	tok, err := s.tokens.Mint(from, hdr.DestConnID.Bytes())
	if err != nil {
		s.logger.Warn("mint retry token failed", logging.KeyError, err)
		return
	}
	scid, err := s.engine.NewConnectionID()
	if err != nil {
		s.logger.Warn("generate connection id failed", logging.KeyError, err)
		return
	}
	n, err := s.engine.Retry(hdr, scid, tok, s.sendBuf)
	if err != nil {
		s.logger.Warn("build retry failed", logging.KeyError, err)
		return
	}
	if _, err := (writer{s}).WriteTo(s.sendBuf[:n], from); err != nil {
		s.logger.Debug("send retry failed", logging.KeyPeerAddr, from.String(), logging.KeyError, err)
		return
	}

	s.stats.retriesSent.Add(1)
	s.metrics.RetriesSent.Inc()
	s.logger.Debug("retry sent",
		logging.KeyPeerAddr, from.String(),
		logging.KeyODCID, hdr.DestConnID.String(),
		logging.KeyConnID, scid.String())
}

// negotiateVersion answers a long header packet of an unknown version.
// Datagrams below the minimum Initial size get no answer, so the reply is
// never larger than what provoked it.
func (s *Server) negotiateVersion(hdr *wire.Header, size int, from netip.AddrPort) {
	if size < wire.MinInitialSize {
		s.drop(metrics.DropMalformed, from, "short datagram with unknown version")
		return
	}
	n, err := s.engine.NegotiateVersion(hdr, s.sendBuf)
	if err != nil {
		s.logger.Warn("build version negotiation failed", logging.KeyError, err)
		return
	}
	if _, err := (writer{s}).WriteTo(s.sendBuf[:n], from); err != nil {
		s.logger.Debug("send version negotiation failed", logging.KeyPeerAddr, from.String(), logging.KeyError, err)
		return
	}
	s.metrics.VersionNegotiations.Inc()
	s.logger.Debug("version negotiation sent",
		logging.KeyPeerAddr, from.String(),
		logging.KeyVersion, hdr.Version.String())
}

func (s *Server) rejectToken(from netip.AddrPort, err error) {
	s.stats.tokensRejected.Add(1)
	s.metrics.TokensRejected.Inc()
	s.drop(metrics.DropInvalidToken, from, err.Error())
}

func (s *Server) drop(reason string, from netip.AddrPort, detail string) {
	s.stats.datagramsDropped.Add(1)
	s.metrics.RecordDrop(reason)
	s.logger.Debug("datagram dropped",
		logging.KeyPeerAddr, from.String(),
		logging.KeyReason, reason,
		logging.KeyDetail, detail)
}
