// Command mathvox is a voice client for the math tutor: it listens on the
// microphone, shows the live transcript, asks the tutor and speaks the
// answer. Typed questions work alongside the voice path.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/mathvox/internal/app"
	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/config"
	"github.com/MrWong99/mathvox/internal/observe"
)

// version is set at build time.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "mathvox.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	login := flag.Bool("login", false, "ask for credentials, store the access token and exit")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "mathvox: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mathvox: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mathvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *login {
		return runLogin(ctx, cfg, os.Stdin, os.Stdout)
	}

	slog.Info("mathvox starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	ui := newConsole(os.Stdout)
	application, err := app.New(ctx, cfg,
		app.WithObserver(ui.observer()),
		app.WithMetricsHandler(tel.MetricsHandler()),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(runCtx) }()

	fmt.Println("ready: speak, or type a question (/help for commands)")
	go func() {
		if err := ui.run(runCtx, os.Stdin, application.Session()); err != nil {
			slog.Warn("console stopped", "err", err)
		}
		// Leaving the console ends the client.
		cancelRun()
	}()

	code := 0
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, auth.ErrUnauthorized) {
			fmt.Fprintf(os.Stderr, "mathvox: the tutor rejected the credentials; run mathvox -login\n")
		} else {
			slog.Error("run error", "err", err)
		}
		code = 1
	}

	slog.Info("stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// runLogin prompts for credentials and stores the resulting token.
func runLogin(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) int {
	r := bufio.NewReader(in)
	username, err := prompt(r, out, "username: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mathvox: %v\n", err)
		return 1
	}
	password, err := prompt(r, out, "password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mathvox: %v\n", err)
		return 1
	}
	if err := app.Login(ctx, cfg, username, password); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			fmt.Fprintln(os.Stderr, "mathvox: wrong username or password")
		} else {
			fmt.Fprintf(os.Stderr, "mathvox: %v\n", err)
		}
		return 1
	}
	fmt.Fprintf(out, "logged in; token stored in %s\n", cfg.Tutor.TokenFile)
	return 0
}

func prompt(r *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        mathvox: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("User", cfg.Tutor.UserID)
	if cfg.Audio.Disabled {
		printRow("Microphone", "(disabled)")
	} else {
		printRow("Microphone", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
		printRow("Transcription", cfg.Transcription.Name)
	}
	tts := cfg.TTS.Primary.Name
	if n := len(cfg.TTS.Fallbacks); n > 0 {
		tts = fmt.Sprintf("%s +%d", tts, n)
	}
	printRow("TTS", tts)
	printRow("History", cfg.History.Name)
	printRow("Vocabulary", fmt.Sprintf("%d terms", len(cfg.Transcription.Vocabulary)))
	if cfg.Server.DiagnosticsAddr != "" {
		printRow("Diagnostics", cfg.Server.DiagnosticsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s  : %-19s ║\n", label, value)
}
