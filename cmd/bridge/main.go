// Command bridge connects an AI coding assistant to a human over the phone.
// It serves MCP tools on stdio for the Driver process, an HTTP gateway for
// carrier webhooks and media streams, and runs the conversational voice
// backend in between.
//
// stdout belongs to the Driver RPC stream. Logs, doctor output and fatal
// errors go to stderr or run in a separate subcommand.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/adapter/carrier"
	"github.com/ross-commits/talk-to-claude/internal/adapter/driver"
	"github.com/ross-commits/talk-to-claude/internal/adapter/gateway"
	"github.com/ross-commits/talk-to-claude/internal/adapter/llm"
	"github.com/ross-commits/talk-to-claude/internal/adapter/speech"
	"github.com/ross-commits/talk-to-claude/internal/adapter/tool"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
	"github.com/ross-commits/talk-to-claude/internal/infra/logger"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
	"github.com/ross-commits/talk-to-claude/internal/usecase/call"
)

// shutdownGrace bounds the exit path: every live call gets a goodbye and a
// hangup within this window before the process gives up and leaves.
const shutdownGrace = 15 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "init":
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt-secret":
		if err := runEncryptSecret(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'bridge --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`bridge - phone calls and SMS for an AI coding assistant

USAGE:
    bridge [COMMAND] [FLAGS]

COMMANDS:
    init            Write a commented starter config.yaml
    doctor          Run health checks on the configuration and environment
    encrypt-secret  Seal a credential for storage in config.yaml

    (no command) - Serve the Driver RPC on stdio with the current config.
                   This is what an MCP client launches; stdout carries the
                   protocol, so run subcommands from a separate shell.

FLAGS:
    -h, --help      Show this help message
    --config PATH   Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (optional; see 'bridge init')
    Environment: TALKBRIDGE_* variables override config values
    Secrets:     values starting with "enc:" are decrypted at load time
                 using the TALKBRIDGE_CONFIG_KEY passphrase

EXAMPLES:
    bridge init                          # Write a starter config
    bridge doctor                        # Verify carrier and model access
    bridge encrypt-secret 'SK...'        # Seal a credential
    bridge --config /etc/bridge.yaml     # Serve with a custom config`)
}

// configPath resolves the config file path from --config, the environment,
// or the default.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("TALKBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Carrier
	car, err := carrier.New(cfg.Telephony, cfg.Server.PublicURL, log)
	if err != nil {
		return fmt.Errorf("carrier: %w", err)
	}

	// 4. Call tools
	tools, err := tool.FromConfig(cfg.Tools, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	// 5. Voice backend. Unknown backends fall through with nil deps and are
	// rejected by the manager.
	deps := call.Deps{
		Carrier: car,
		Tools:   tools,
		Config:  cfg,
		Logger:  log,
	}
	switch cfg.Voice.Backend {
	case "unified":
		engine, err := speech.NewEngine(ctx, cfg.Voice.Unified, cfg.Voice.SystemPrompt, tools.Schemas(), log)
		if err != nil {
			return fmt.Errorf("speech engine: %w", err)
		}
		deps.Engine = engine
	case "split-brain":
		factory, err := llm.NewFactory(ctx, cfg.Voice.Brain, cfg.Voice.SystemPrompt, tools.Schemas(), log)
		if err != nil {
			return fmt.Errorf("brain factory: %w", err)
		}
		deps.NewBrain = factory.NewBrain
		voiceClient := speech.NewVoiceHTTPClient()
		deps.STT = speech.NewOpenAISTT(cfg.Voice.STT, voiceClient, log)
		deps.TTS = speech.NewOpenAITTS(cfg.Voice.TTS, voiceClient, log)
	case "split-direct":
		voiceClient := speech.NewVoiceHTTPClient()
		deps.STT = speech.NewOpenAISTT(cfg.Voice.STT, voiceClient, log)
		deps.TTS = speech.NewOpenAITTS(cfg.Voice.TTS, voiceClient, log)
	}

	// 6. Call manager
	manager, err := call.NewManager(deps)
	if err != nil {
		return fmt.Errorf("call manager: %w", err)
	}

	// 7. Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 8. Webhook/media gateway
	gw := gateway.NewServer(manager, car, cfg.Server, log)
	gwErr := make(chan error, 1)
	go func() {
		if err := gw.Start(ctx); err != nil {
			gwErr <- err
			cancel()
		}
	}()

	// 9. Driver RPC on stdio
	drv, err := driver.NewServer(manager, log)
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}

	log.Info("bridge starting",
		"carrier", car.Name(),
		"backend", cfg.Voice.Backend,
		"tools", len(tools.Schemas()),
		"public_url", cfg.Server.PublicURL,
	)

	serveErr := drv.Serve(ctx, os.Stdin, os.Stdout)

	// 10. Drain: the Driver is gone, so end every live call politely before
	// the listener comes down.
	shutdownCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutCancel()
	manager.Shutdown(shutdownCtx)
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Warn("gateway stop", "error", err)
	}

	select {
	case err := <-gwErr:
		return fmt.Errorf("gateway: %w", err)
	default:
	}
	return serveErr
}

// runInit writes the commented starter config and refuses to clobber an
// existing one.
func runInit() error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; refusing to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(config.ExampleYAML()), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote starter configuration to %s\n", path)
	fmt.Println("Fill in your carrier credentials, then run 'bridge doctor'.")
	return nil
}

// runEncryptSecret seals a credential with the TALKBRIDGE_CONFIG_KEY
// passphrase and prints the "enc:..." value to paste into config.yaml. The
// secret is taken from the first argument, or from stdin when omitted so it
// stays out of shell history.
func runEncryptSecret() error {
	passphrase := os.Getenv("TALKBRIDGE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("TALKBRIDGE_CONFIG_KEY must be set to the sealing passphrase")
	}

	var plaintext string
	if len(os.Args) >= 3 {
		plaintext = os.Args[2]
	} else {
		fmt.Fprintln(os.Stderr, "reading secret from stdin...")
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		plaintext = strings.TrimRight(string(data), "\r\n")
	}
	if plaintext == "" {
		return fmt.Errorf("empty secret")
	}

	sealed, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	fmt.Printf("enc:%s\n", sealed)
	return nil
}
