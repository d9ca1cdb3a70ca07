package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/veridian-labs/trustplane/pkg/audit"
)

// runVerifyChain re-walks the persisted audit chain and recomputes every
// hash. Exit code 1 means the chain is broken; operators treat that as an
// incident, not a restart.
func runVerifyChain(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		databaseURL string
		sqlitePath  string
		jsonOutput  bool
	)
	cmd.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	cmd.StringVar(&sqlitePath, "sqlite", "", "Path to a lite-mode sqlite chain database")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	var store audit.Store
	switch {
	case sqlitePath != "":
		s, err := audit.OpenSQLiteStore(sqlitePath)
		if err != nil {
			fmt.Fprintf(stderr, "open sqlite: %v\n", err)
			return 2
		}
		defer s.Close()
		store = s
	case databaseURL != "":
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "open postgres: %v\n", err)
			return 2
		}
		defer db.Close()
		s, err := audit.NewPGStore(db)
		if err != nil {
			fmt.Fprintf(stderr, "audit store: %v\n", err)
			return 2
		}
		store = s
	default:
		fmt.Fprintln(stderr, "verify-chain requires --sqlite or --database-url (or DATABASE_URL)")
		return 2
	}

	err := audit.VerifyEvents(ctx, store)
	if jsonOutput {
		result := map[string]any{"valid": err == nil}
		if err != nil {
			result["error"] = err.Error()
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	}
	if err != nil {
		if !jsonOutput {
			if errors.Is(err, audit.ErrChainBroken) {
				fmt.Fprintf(stderr, "chain verification FAILED: %v\n", err)
			} else {
				fmt.Fprintf(stderr, "verification error: %v\n", err)
			}
		}
		return 1
	}
	if !jsonOutput {
		fmt.Fprintln(stdout, "chain verified")
	}
	return 0
}
