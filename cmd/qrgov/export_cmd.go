package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/qrgov/pkg/artifacts"
	"github.com/Mindburn-Labs/qrgov/pkg/audit"
	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
)

// runExportCmd implements `qrgov export`.
//
// Exit codes:
//
//	0 = bundle written
//	1 = export failed
//	2 = usage or configuration error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		code       string
		jsonOutput bool
	)
	cmd.StringVar(&code, "code", "", "Code token to export (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if code == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --code is required")
		cmd.Usage()
		return 2
	}

	cfg, profile, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	setupLogger(cfg, stderr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s, err := openServices(ctx, cfg, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close(context.Background())

	hash, err := s.exporter.Export(ctx, code)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"code": code, "hash": hash}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Exported %s\n   Hash: %s\n", code, hash)
	}
	return 0
}

// runVerifyCmd implements `qrgov verify`. It needs only the artifact store
// and AUDIT_SECRET, not the database.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = usage or configuration error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		hash       string
		jsonOutput bool
	)
	cmd.StringVar(&hash, "hash", "", "Content hash printed by export (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if hash == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --hash is required")
		cmd.Usage()
		return 2
	}

	cfg, _, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	setupLogger(cfg, stderr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	store, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	chain, err := eventlog.NewChain([]byte(cfg.AuditSecret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	bundle, err := audit.Verify(ctx, store, chain, hash)
	if err != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{"hash": hash, "valid": false, "error": err.Error()}, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			_, _ = fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		}
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"hash":            hash,
			"valid":           true,
			"code":            bundle.Code.Code,
			"format_version":  bundle.FormatVersion,
			"exported_at":     bundle.ExportedAt,
			"event_count":     len(bundle.Events),
			"lifecycle_state": bundle.Code.LifecycleState,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Bundle verified: %s\n", hash)
		_, _ = fmt.Fprintf(stdout, "   Code:     %s\n", bundle.Code.Code)
		_, _ = fmt.Fprintf(stdout, "   State:    %s\n", bundle.Code.LifecycleState)
		_, _ = fmt.Fprintf(stdout, "   Events:   %d\n", len(bundle.Events))
		_, _ = fmt.Fprintf(stdout, "   Exported: %s\n", bundle.ExportedAt.Format(time.RFC3339))
	}
	return 0
}
