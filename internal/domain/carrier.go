package domain

import (
	"context"
	"net/http"
	"time"
)

// CarrierEventKind is a normalized carrier webhook event.
type CarrierEventKind string

const (
	EventOutboundPlaced CarrierEventKind = "outbound_placed"
	EventRinging        CarrierEventKind = "ringing"
	EventAnswered       CarrierEventKind = "answered"
	EventHungUp         CarrierEventKind = "hung_up"
	EventStreamReady    CarrierEventKind = "stream_ready"
	EventStreamStopped  CarrierEventKind = "stream_stopped"
	EventMachineEnded   CarrierEventKind = "machine_detection_ended"
)

// CarrierEvent is one normalized event parsed from a carrier webhook.
type CarrierEvent struct {
	CallRef   string           // carrier-side call identifier
	Kind      CarrierEventKind // normalized event kind
	Detail    string           // carrier-specific detail (status string, AMD result, ...)
	Timestamp time.Time
}

// WebhookReply is the immediate HTTP response a carrier expects for a webhook.
type WebhookReply struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// ConnectDirective is the body served to the carrier that instructs it to
// open the bidirectional media socket, plus its content type.
type ConnectDirective struct {
	ContentType string
	Body        []byte
}

// Carrier abstracts a telephony provider.
//
// PlaceOutbound originates a call and returns the carrier call ref used to
// correlate all subsequent webhooks. StartMediaStream is carrier-specific:
// variant B starts streaming with an explicit API call, variant A starts it
// via the connect directive served from the webhook, and implements this as
// a no-op.
type Carrier interface {
	// PlaceOutbound originates a call; webhookURL receives this call's events.
	PlaceOutbound(ctx context.Context, to, from, webhookURL string) (callRef string, err error)
	// StartMediaStream asks the carrier to open the media socket at wsURL.
	StartMediaStream(ctx context.Context, callRef, wsURL string) error
	// Hangup terminates the call.
	Hangup(ctx context.Context, callRef string) error
	// MediaConnectDirective renders the webhook response body that tells the
	// carrier to open the media socket at wsURL. Carriers that start media
	// via StartMediaStream return their ordinary webhook acknowledgement.
	MediaConnectDirective(wsURL string) ConnectDirective
	// VerifyWebhook authenticates an inbound webhook request. body is the raw
	// request body (already read). Returns an ErrAuth DomainError on failure.
	VerifyWebhook(r *http.Request, body []byte) error
	// ParseWebhook extracts normalized events from a webhook request plus the
	// default reply the carrier expects when no connect directive is due. The
	// caller routes the events and, when one of them asks for the media
	// socket, serves MediaConnectDirective instead of the default reply.
	ParseWebhook(r *http.Request, body []byte) ([]CarrierEvent, WebhookReply, error)
	// SendSMS sends a text message; mediaURLs may be empty.
	SendSMS(ctx context.Context, to, from, body string, mediaURLs []string) error
	// Name returns the carrier identifier (e.g. "twilio", "telnyx", "mock").
	Name() string
}
