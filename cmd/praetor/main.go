package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/praetor-ai/praetor/pkg/authz"
	"github.com/praetor-ai/praetor/pkg/config"
	"github.com/praetor-ai/praetor/pkg/manifest"
	"github.com/praetor-ai/praetor/pkg/observability"

	_ "github.com/lib/pq" // Postgres driver
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; extracted for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "manifest":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "usage: praetor manifest <validate|hash>")
			return 2
		}
		return runManifestCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "praetor", version)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `praetor - governed execution runtime

Usage:
  praetor serve [-addr :8080] [-manifest file] [-secret key]
  praetor manifest validate <file>
  praetor manifest hash <file>
  praetor token -role <viewer|operator|admin> -subject <name> -secret <key>
  praetor version`)
}

// runManifestCmd validates or hashes a manifest file without a server.
func runManifestCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "usage: praetor manifest <validate|hash> <file>")
		return 2
	}
	m, err := manifest.LoadFile(args[1])
	if err != nil {
		fmt.Fprintln(stderr, "manifest rejected:", err)
		return 1
	}

	switch args[0] {
	case "validate":
		fmt.Fprintf(stdout, "ok: %s version %s, %d rules\n", m.ManifestID, m.Version, len(m.Rules))
		return 0
	case "hash":
		hash, err := m.ComputeHashSelf()
		if err != nil {
			fmt.Fprintln(stderr, "hash failed:", err)
			return 1
		}
		fmt.Fprintln(stdout, hash)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown manifest subcommand %q\n", args[0])
		return 2
	}
}

// runTokenCmd mints an access token for API calls.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	role := fs.String("role", "viewer", "role to embed (viewer, operator, admin)")
	subject := fs.String("subject", "cli", "token subject")
	secret := fs.String("secret", "", "HS256 signing secret")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *secret == "" {
		fmt.Fprintln(stderr, "-secret is required")
		return 2
	}

	token, err := authz.IssueToken(authz.Principal{
		Subject: *subject,
		Role:    authz.Role(*role),
	}, []byte(*secret))
	if err != nil {
		fmt.Fprintln(stderr, "token issue failed:", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// runServe builds a runtime and serves the HTTP API.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":8080", "listen address")
	manifestPath := fs.String("manifest", "", "manifest file to load and activate on boot")
	secret := fs.String("secret", "", "HS256 secret for API tokens; empty disables auth")
	env := fs.String("env", "dev", "environment (dev, staging, production)")
	telemetry := fs.Bool("telemetry", false, "enable OTLP telemetry export")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	var provider *observability.Provider
	if *telemetry {
		var err error
		provider, err = observability.New(ctx, nil, logger)
		if err != nil {
			fmt.Fprintln(stderr, "telemetry init failed:", err)
			return 1
		}
		defer func() { _ = provider.Shutdown(ctx) }()
	}

	rt := buildRuntime(cfg, *env, provider, logger, stderr)
	if rt == nil {
		return 1
	}
	defer func() { _ = rt.Close() }()

	if *manifestPath != "" {
		m, err := manifest.LoadFile(*manifestPath)
		if err != nil {
			fmt.Fprintln(stderr, "manifest load failed:", err)
			return 1
		}
		if _, err := rt.Manifests.Create(ctx, m, false); err != nil {
			fmt.Fprintln(stderr, "manifest create failed:", err)
			return 1
		}
		if _, err := rt.Manifests.Activate(ctx, m.Version, manifest.GateConfig{}, nil, true); err != nil {
			fmt.Fprintln(stderr, "manifest activation failed:", err)
			return 1
		}
		logger.Info("boot manifest activated", "version", m.Version)
	}

	srv := newServer(rt, []byte(*secret), logger)
	return srv.listen(*addr, stdout, stderr)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
