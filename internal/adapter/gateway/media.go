package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ross-commits/talk-to-claude/internal/adapter/carrier"
	"github.com/ross-commits/talk-to-claude/internal/domain"
)

// inboundAudioBuffer is the per-socket queue of undelivered inbound frames,
// about five seconds of audio. The consumer paces at wall clock, so the
// buffer only fills when a session stalls; overflow drops the newest frame.
const inboundAudioBuffer = 256

// handleMediaStream serves GET /media-stream: resolves the single-use token,
// upgrades the connection and hands the socket to its session. The handler
// goroutine then pumps inbound frames for the socket's lifetime.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.URL.Query().Get("token")
	var callID string
	var err error
	switch {
	case token != "":
		callID, err = s.router.ClaimMediaToken(token)
	case s.cfg.TrustWithoutSignature:
		// Some tunnel daemons strip query strings. Best effort: bind the
		// socket to the most recently created active session.
		callID, err = s.router.NewestActiveCallID()
		if err == nil {
			s.logger.Warn("untokenized media upgrade bound to newest session",
				"call_id", callID, "remote", r.RemoteAddr)
		}
	default:
		err = domain.NewKindError("gateway.media", domain.ErrAuth, domain.KindBadToken, "missing token")
	}
	if err != nil {
		s.metrics.MediaUpgradeRejections.Add(1)
		s.logger.Warn("media upgrade rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn("media upgrade failed", "call_id", callID, "error", err)
		return
	}
	s.metrics.MediaUpgradesTotal.Add(1)

	conn := newMediaConn(ws, s.logger.With("call_id", callID))
	if err := s.router.AttachMedia(r.Context(), callID, conn); err != nil {
		s.logger.Warn("media attach failed", "call_id", callID, "error", err)
		conn.Close("attach failed")
		return
	}
	s.logger.Info("media stream connected", "call_id", callID)

	conn.run(r.Context())
	s.logger.Info("media stream closed", "call_id", callID)
}

// mediaConn adapts one carrier WebSocket to domain.MediaSocket. The upgrade
// handler's goroutine runs the inbound pump; the session's writer goroutine
// is the only writer.
type mediaConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	audio  chan []byte   // inbound mu-law payloads
	ready  chan struct{} // closed once the carrier's start event arrives
	closed chan struct{} // closed when the pump exits

	mu        sync.Mutex
	streamID  string
	readyOnce sync.Once
	closeOnce sync.Once
}

func newMediaConn(ws *websocket.Conn, logger *slog.Logger) *mediaConn {
	return &mediaConn{
		ws:     ws,
		logger: logger,
		audio:  make(chan []byte, inboundAudioBuffer),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// run reads carrier frames until the socket dies or the stream stops.
// Per-frame errors drop the frame and keep the stream alive.
func (c *mediaConn) run(ctx context.Context) {
	defer c.shutdown("stream ended")

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.logger.Debug("media socket closed by carrier", "status", status)
			} else if ctx.Err() == nil {
				c.logger.Warn("media socket read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text media frame", "type", typ)
			continue
		}

		msg, err := carrier.ParseStreamMessage(data)
		if err != nil {
			c.logger.Warn("dropping unparseable media frame", "error", err)
			continue
		}

		switch msg.Event {
		case carrier.StreamEventConnected:
			c.logger.Debug("media stream handshake")
		case carrier.StreamEventStart:
			id := msg.StreamSID
			if msg.Start != nil && msg.Start.StreamSID != "" {
				id = msg.Start.StreamSID
			}
			c.markReady(id)
		case carrier.StreamEventMedia:
			if !msg.IsInboundAudio() {
				continue
			}
			payload, err := msg.AudioPayload()
			if err != nil {
				c.logger.Warn("dropping undecodable audio frame", "error", err)
				continue
			}
			select {
			case c.audio <- payload:
			default:
				c.logger.Debug("inbound audio buffer full, dropping frame")
			}
		case carrier.StreamEventStop:
			c.logger.Info("media stream stopped by carrier")
			return
		case carrier.StreamEventMark:
			c.logger.Debug("media mark", "name", markName(msg))
		default:
			c.logger.Debug("ignoring media event", "event", msg.Event)
		}
	}
}

func (c *mediaConn) markReady(streamID string) {
	c.readyOnce.Do(func() {
		c.mu.Lock()
		c.streamID = streamID
		c.mu.Unlock()
		close(c.ready)
		c.logger.Info("media stream ready", "stream_id", streamID)
	})
}

// WaitReady blocks until the carrier's start handshake has arrived.
func (c *mediaConn) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return domain.NewKindError("media.WaitReady", domain.ErrMedia, domain.KindSocketClosed,
			"socket closed before the stream started")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StreamID returns the carrier stream identifier, "" before ready.
func (c *mediaConn) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// ReadAudio returns the next inbound mu-law payload. Buffered frames are
// delivered even after the socket has closed.
func (c *mediaConn) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.audio:
		return payload, nil
	default:
	}
	select {
	case payload := <-c.audio:
		return payload, nil
	case <-c.closed:
		return nil, domain.NewKindError("media.ReadAudio", domain.ErrMedia, domain.KindSocketClosed,
			"media socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteAudio sends one mu-law frame wrapped in the carrier's media envelope.
func (c *mediaConn) WriteAudio(ctx context.Context, mulaw []byte) error {
	const op = "media.WriteAudio"
	streamID := c.StreamID()
	if streamID == "" {
		return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "stream not started")
	}
	if err := wsjson.Write(ctx, c.ws, carrier.NewMediaMessage(streamID, mulaw)); err != nil {
		return domain.NewKindError(op, domain.ErrMedia, domain.KindSocketClosed, err.Error())
	}
	return nil
}

// WriteClear sends the barge-in directive that flushes carrier playback.
func (c *mediaConn) WriteClear(ctx context.Context) error {
	const op = "media.WriteClear"
	streamID := c.StreamID()
	if streamID == "" {
		return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "stream not started")
	}
	if err := wsjson.Write(ctx, c.ws, carrier.NewClearMessage(streamID)); err != nil {
		return domain.NewKindError(op, domain.ErrMedia, domain.KindSocketClosed, err.Error())
	}
	return nil
}

// Close tears the socket down. Safe to call from any goroutine, repeatedly.
func (c *mediaConn) Close(reason string) error {
	c.shutdown(reason)
	return nil
}

func (c *mediaConn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Close reasons ride in the WebSocket close frame, capped by the
		// protocol at 125 bytes.
		if len(reason) > 120 {
			reason = reason[:120]
		}
		c.ws.Close(websocket.StatusNormalClosure, reason)
	})
}

func markName(msg carrier.StreamMessage) string {
	if msg.Mark == nil {
		return ""
	}
	return msg.Mark.Name
}

var _ domain.MediaSocket = (*mediaConn)(nil)
