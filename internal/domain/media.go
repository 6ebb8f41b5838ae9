package domain

import "context"

// MediaSocket is one open carrier media-stream connection. Implementations
// own the carrier's JSON envelope framing; sessions deal in raw mu-law
// payloads and control directives.
type MediaSocket interface {
	// WaitReady blocks until the carrier's start handshake has arrived and
	// outbound audio may be sent.
	WaitReady(ctx context.Context) error
	// StreamID returns the carrier's stream identifier, "" before ready.
	StreamID() string
	// ReadAudio returns the next inbound mu-law payload. Returns an ErrMedia
	// error with kind socket_closed once the stream has ended.
	ReadAudio(ctx context.Context) ([]byte, error)
	// WriteAudio sends one mu-law frame to the carrier.
	WriteAudio(ctx context.Context, mulaw []byte) error
	// WriteClear flushes the carrier's buffered playback (barge-in).
	WriteClear(ctx context.Context) error
	// Close tears the socket down. Safe to call more than once.
	Close(reason string) error
}
