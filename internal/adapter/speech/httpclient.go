package speech

import (
	"net"
	"net/http"
	"time"
)

// Connection pool settings sized for the split pipeline: two hosts at most,
// a handful of in-flight requests, connections held across turns.
const (
	defaultConnTimeout     = 10 * time.Second
	defaultRespTimeout     = 60 * time.Second
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 120 * time.Second
)

// NewVoiceHTTPClient builds the pooled client shared by the STT and TTS
// providers. One long-lived client keeps connections warm between turns;
// per-request deadlines come from the caller's context, so the client itself
// carries no overall timeout (TTS streams can outlive any fixed value).
func NewVoiceHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   defaultConnTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: defaultRespTimeout,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxIdleConns,
			IdleConnTimeout:       defaultIdleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
}
