package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config — some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Phone numbers", Fn: checkPhoneNumbers},
		{Name: "Carrier credentials", Fn: checkCarrierCredentials},
		{Name: "Carrier API", Fn: checkCarrierAPI},
		{Name: "Webhook URL", Fn: checkWebhookURL},
		{Name: "Speech model", Fn: checkSpeechModel},
		{Name: "Voice pipeline", Fn: checkVoicePipeline},
		{Name: "Network", Fn: checkNetwork},
	}

	fmt.Println("bridge doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before serving calls.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nThe bridge should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! The bridge is ready to take calls.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check reporting how the configuration resolved.
// A missing file is not an error: the bridge runs on defaults plus
// TALKBRIDGE_* environment overrides.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Run 'bridge init' for a starter file, or fix the reported fields",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusPass,
				Message: "no config file; using defaults and TALKBRIDGE_* environment",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkPhoneNumbers reports the configured calling pair.
func checkPhoneNumbers(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	t := cfg.Telephony
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("calling %s from %s", t.UserNumber, t.FromNumber),
	}
}

// checkCarrierCredentials verifies the selected carrier has its credentials.
func checkCarrierCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}

	t := cfg.Telephony
	switch t.Carrier {
	case "twilio":
		if t.Twilio.AccountSID == "" || t.Twilio.AuthToken == "" {
			return CheckResult{
				Status:  StatusFail,
				Message: "twilio account_sid or auth_token missing",
				Fix:     "Set TALKBRIDGE_TWILIO_ACCOUNT_SID and TALKBRIDGE_TWILIO_AUTH_TOKEN",
			}
		}
		if strings.HasPrefix(t.Twilio.AuthToken, "enc:") {
			return CheckResult{
				Status:  StatusFail,
				Message: "twilio auth_token is still sealed",
				Fix:     "Set TALKBRIDGE_CONFIG_KEY so sealed secrets decrypt at load time",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("twilio account %s", t.Twilio.AccountSID)}
	case "telnyx":
		if t.Telnyx.APIKey == "" || t.Telnyx.ConnectionID == "" {
			return CheckResult{
				Status:  StatusFail,
				Message: "telnyx api_key or connection_id missing",
				Fix:     "Set TALKBRIDGE_TELNYX_API_KEY and telephony.telnyx.connection_id",
			}
		}
		if t.Telnyx.PublicKey == "" {
			return CheckResult{
				Status:  StatusWarn,
				Message: "no telnyx public_key — webhook signatures cannot be verified",
				Fix:     "Copy the Ed25519 public key from the Telnyx portal into telephony.telnyx.public_key",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("telnyx connection %s", t.Telnyx.ConnectionID)}
	case "mock":
		return CheckResult{Status: StatusWarn, Message: "mock carrier — no real calls will be placed"}
	default:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("unknown carrier %q", t.Carrier)}
	}
}

// checkCarrierAPI tests the selected carrier's API endpoint is reachable.
func checkCarrierAPI(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}

	var host string
	switch cfg.Telephony.Carrier {
	case "twilio":
		host = "api.twilio.com"
	case "telnyx":
		host = "api.telnyx.com"
	case "mock":
		return CheckResult{Status: StatusPass, Message: "mock carrier — no API to reach"}
	default:
		return CheckResult{Status: StatusWarn, Message: "unknown carrier — skipping"}
	}

	latency, err := dialHost(host)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", host, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", host, latency.Milliseconds()),
	}
}

// checkWebhookURL verifies the public URL a carrier would dial back to.
func checkWebhookURL(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	if cfg.Telephony.Carrier == "mock" {
		return CheckResult{Status: StatusPass, Message: "mock carrier — no webhooks"}
	}

	u, err := url.Parse(cfg.Server.PublicURL)
	if err != nil || u.Host == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("server.public_url %q is not an absolute URL", cfg.Server.PublicURL),
			Fix:     "Set server.public_url to the https origin your tunnel or host exposes",
		}
	}
	if u.Scheme != "https" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("public_url uses %s — carriers require https in production", u.Scheme),
		}
	}
	if cfg.Server.TrustWithoutSignature {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("webhooks at %s with signature verification DISABLED", cfg.Server.WebhookURL()),
			Fix:     "Unset server.trust_without_signature unless a trusted tunnel strips signatures",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("webhooks at %s", cfg.Server.WebhookURL())}
}

// checkSpeechModel verifies the conversational model is usable: resolvable
// AWS credentials and a reachable regional endpoint for the bedrock-backed
// backends, API keys for the HTTP ones.
func checkSpeechModel(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}

	var region, modelID string
	switch cfg.Voice.Backend {
	case "unified":
		region, modelID = cfg.Voice.Unified.Region, cfg.Voice.Unified.ModelID
	case "split-brain":
		region, modelID = cfg.Voice.Brain.Region, cfg.Voice.Brain.ModelID
	case "split-direct":
		return CheckResult{Status: StatusPass, Message: "split-direct backend — no model needed"}
	default:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("unknown voice backend %q", cfg.Voice.Backend)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("load AWS config: %v", err)}
	}
	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "no AWS credentials resolved",
			Fix:     "Configure credentials via environment, shared profile, or instance role",
		}
	}

	host := fmt.Sprintf("bedrock-runtime.%s.amazonaws.com", region)
	latency, err := dialHost(host)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", host, err),
			Fix:     "Check the region name and your network path to AWS",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s in %s (latency: %dms)", modelID, region, latency.Milliseconds()),
	}
}

// checkVoicePipeline tests the STT/TTS endpoints used by the split backends.
func checkVoicePipeline(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	if cfg.Voice.Backend == "unified" {
		return CheckResult{Status: StatusPass, Message: "unified backend — no separate STT/TTS"}
	}

	for _, ep := range []struct{ name, endpoint string }{
		{"stt", cfg.Voice.STT.Endpoint},
		{"tts", cfg.Voice.TTS.Endpoint},
	} {
		u, err := url.Parse(ep.endpoint)
		if err != nil || u.Host == "" {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("voice.%s.endpoint %q is not an absolute URL", ep.name, ep.endpoint),
			}
		}
		if _, err := dialHost(u.Hostname()); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot reach %s endpoint %s: %v", ep.name, u.Hostname(), err),
				Fix:     "Check the endpoint URL and your internet connection",
			}
		}
	}
	return CheckResult{Status: StatusPass, Message: "STT and TTS endpoints reachable"}
}

// checkNetwork verifies basic internet connectivity.
func checkNetwork(_ *config.Config) CheckResult {
	if _, err := dialHost("1.1.1.1"); err != nil {
		if _, err2 := dialHost("8.8.8.8"); err2 != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: "no internet connectivity detected",
				Fix:     "Check your network connection and firewall settings",
			}
		}
	}
	return CheckResult{Status: StatusPass, Message: "internet connectivity OK"}
}

// dialHost opens a TCP connection to host:443 and reports how long it took.
func dialHost(host string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}
