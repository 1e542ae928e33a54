package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lukechampine.com/blake3"

	"github.com/iscc/iscc-hub/pkg/api"
	"github.com/iscc/iscc-hub/pkg/config"
	"github.com/iscc/iscc-hub/pkg/crypto"
	"github.com/iscc/iscc-hub/pkg/receipt"
	"github.com/iscc/iscc-hub/pkg/sequencer"
	"github.com/iscc/iscc-hub/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "rebuild":
		return runRebuild(stdout, stderr)
	case "datahash":
		return runDatahash(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: iscc-hub [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the notary hub (default)")
	fmt.Fprintln(w, "  keygen [did]     Generate an Ed25519 hub keypair")
	fmt.Fprintln(w, "  rebuild          Rebuild the declarations projection from the event log")
	fmt.Fprintln(w, "  datahash <file>  Print the BLAKE3-256 multihash of a file")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log := setupLogger(cfg.LogLevel)

	if cfg.Seckey == "" {
		fmt.Fprintln(stderr, "ISCC_HUB_SECKEY is required to serve (run `iscc-hub keygen`)")
		return 1
	}
	hubKey, err := crypto.KeyFromSecret(cfg.Seckey, cfg.DID())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = st.Close() }()

	svc := api.New(cfg, st,
		sequencer.New(st, cfg.HubID),
		receipt.NewBuilder(hubKey, cfg.Realm),
		hubKey, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("hub listening",
			"port", cfg.Port, "hub_id", cfg.HubID, "realm", int(cfg.Realm), "did", cfg.DID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	controller := ""
	if len(args) > 0 {
		controller = args[0]
	}
	kp, err := crypto.GenerateKeyPair(controller)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "pubkey: %s\n", kp.PubkeyMultibase())
	fmt.Fprintf(stdout, "seckey: %s\n", kp.SecretMultibase())
	return 0
}

func runRebuild(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	setupLogger(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = st.Close() }()

	if err := st.Replay(context.Background()); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	seq, err := st.MaxSeq(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "projection rebuilt, event log head at seq %d\n", seq)
	return 0
}

func runDatahash(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: iscc-hub datahash <file>")
		return 2
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = f.Close() }()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "1e20%s\n", hex.EncodeToString(h.Sum(nil)))
	return 0
}
