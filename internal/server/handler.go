package server

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/deskcast/deskcast/internal/logging"
	"github.com/deskcast/deskcast/internal/metrics"
	"github.com/deskcast/deskcast/internal/session"
)

// Request results recorded in metrics.
const (
	resultStream     = "stream"
	resultNotFound   = "not_found"
	resultBadRequest = "bad_request"
	resultTooLarge   = "too_large"
)

var (
	// ErrBadRequest is returned for requests that are not "GET <path>".
	ErrBadRequest = errors.New("server: bad request")

	// ErrRequestTooLarge is returned for requests over the accumulation limit.
	ErrRequestTooLarge = errors.New("server: request too large")
)

// MediaHandler serves the HTTP/0.9 style application protocol: a client
// sends "GET <path>\r\n" with fin on a bidirectional stream. A request for
// the stream path turns that stream into a media sink; anything else is
// answered with an empty body and fin.
type MediaHandler struct {
	path    string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMediaHandler creates a handler serving video at streamPath.
func NewMediaHandler(streamPath string, m *metrics.Metrics, logger *slog.Logger) (*MediaHandler, error) {
	if !strings.HasPrefix(streamPath, "/") {
		return nil, fmt.Errorf("stream path %q must start with /", streamPath)
	}
	return &MediaHandler{
		path:    normalizePath(streamPath),
		metrics: m,
		logger:  logger.With(slog.String(logging.KeyComponent, "media")),
	}, nil
}

func (h *MediaHandler) OnEstablished(s *session.Session) error {
	h.logger.Info("viewer connected",
		logging.KeyConnID, s.ID.String(),
		logging.KeyPeerAddr, s.Peer.String())
	return nil
}

func (h *MediaHandler) OnStreamData(*session.Session, uint64, []byte, bool) error {
	return nil
}

func (h *MediaHandler) OnTransferComplete(s *session.Session, t *session.Transfer) error {
	p, err := ParseRequest(t.Data, t.Overflow)
	if err == nil && p == h.path {
		s.Subscribe(t.StreamID)
		h.metrics.RecordMediaRequest(resultStream)
		h.logger.Info("stream requested",
			logging.KeyConnID, s.ID.String(),
			logging.KeyStreamID, t.StreamID,
			logging.KeyPath, p)
		return nil
	}

	result := resultNotFound
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		result = resultTooLarge
	case err != nil:
		result = resultBadRequest
	}
	h.metrics.RecordMediaRequest(result)
	h.logger.Debug("request not served",
		logging.KeyConnID, s.ID.String(),
		logging.KeyStreamID, t.StreamID,
		logging.KeyPath, p,
		logging.KeyReason, result)

	if _, err := s.StreamSend(t.StreamID, nil, true); err != nil {
		return fmt.Errorf("respond on stream %d: %w", t.StreamID, err)
	}
	return nil
}

// ParseRequest extracts the normalized path from a "GET <path>" request
// line. Anything after the path on the line is ignored.
func ParseRequest(data []byte, overflow bool) (string, error) {
	if overflow {
		return "", ErrRequestTooLarge
	}
	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimSuffix(line, "\r")

	rest, ok := strings.CutPrefix(line, "GET ")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadRequest, line)
	}
	target, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if !strings.HasPrefix(target, "/") {
		return "", fmt.Errorf("%w: target %q", ErrBadRequest, target)
	}
	return normalizePath(target), nil
}

// normalizePath applies Unicode NFC normalization and cleans the path.
func normalizePath(p string) string {
	return path.Clean(norm.NFC.String(p))
}

var _ session.Handler = (*MediaHandler)(nil)
