// Command trustplane runs the trust-and-control plane: the signed audit
// chain, the policy engine, multisig upgrades and promotions behind one HTTP
// surface.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running path.
var startServer = runServe

// Run dispatches subcommands; no subcommand starts the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "lite":
		// Single-node mode: ignore any configured Postgres and run on sqlite.
		os.Unsetenv("DATABASE_URL")
		return startServer(stdout, stderr)
	case "verify-chain":
		return runVerifyChain(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "trustplane - signed audit chain and policy control plane")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  trustplane <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve         Run the control plane server (default)")
	fmt.Fprintln(w, "  lite          Run single-node on sqlite, ignoring DATABASE_URL")
	fmt.Fprintln(w, "  verify-chain  Re-verify the audit hash chain (--sqlite, --database-url, --json)")
	fmt.Fprintln(w, "  health        Check a running server over HTTP")
	fmt.Fprintln(w, "  help          Show this help")
}

func runHealth(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
