// Command voxlink runs one real-time voice session from the terminal: the
// default microphone streams to the configured engine and the replies play on
// the default output device until Ctrl+C or the engine ends the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/live"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio/device/malgo"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Transport ─────────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	tr, err := app.BuildTransport(cfg, config.DefaultRegistry(), metrics)
	if err != nil {
		slog.Error("failed to build transport", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	devices, err := malgo.NewContext()
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		fmt.Fprintln(os.Stderr, live.MsgGeneric)
		return 1
	}
	defer devices.Close()

	printStartupSummary(cfg)

	client := app.NewClient(app.ClientConfig{
		Config:       cfg,
		Transport:    tr,
		Capture:      devices.OpenCapture(),
		Output:       devices.OpenOutput(),
		Metrics:      metrics,
		OnTranscript: printTranscript,
		OnState: func(_, to live.State) {
			if to == live.StateActive {
				fmt.Println("● live: speak now, Ctrl+C to end")
			}
		},
	})

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		slog.Error("session ended with error", "err", err, "kind", live.KindOf(err))
		fmt.Fprintln(os.Stderr, live.UserMessage(err))
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func printTranscript(t s2s.Transcript) {
	who := "you"
	if t.Role == s2s.RoleModel {
		who = "assistant"
	}
	fmt.Printf("[%s] %s\n", who, t.Text)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxlink: session summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", string(cfg.Transport.Mode))
	if cfg.Transport.Mode == config.ModeRelay {
		printRow("Relay", cfg.Transport.RelayURL)
	} else {
		printRow("Engine", cfg.Engine.Name)
	}
	printRow("Model", cfg.Session.Model)
	printRow("Voice", cfg.Session.Voice)
	printRow("Input", fmt.Sprintf("%d Hz / %d", cfg.Session.InputSampleRate, cfg.Session.FrameSize))
	printRow("Output", fmt.Sprintf("%d Hz", cfg.Session.OutputSampleRate))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	fmt.Printf("║  %-10s : %-22s ║\n", label, truncate(value, 22))
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: app.SlogLevel(level)}))
}
