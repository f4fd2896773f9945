// Command sentinelctl is the operator CLI for a running sentineld: inspect
// and force the circuit breaker, dump the monitoring dashboard snapshot,
// and replay a persisted breaker-state file without needing the daemon up.
//
// Grounded on the teacher's flag-based cmd/* binaries (selfcheck,
// debug-check, testsecure): no subcommand framework, just flag.NewFlagSet
// per verb and a plain switch in main.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "breaker-state":
		cmdBreakerState(os.Args[2:])
	case "breaker-reset":
		cmdBreakerReset(os.Args[2:])
	case "breaker-force":
		cmdBreakerForce(os.Args[2:])
	case "dashboard":
		cmdDashboard(os.Args[2:])
	case "replay-persisted":
		cmdReplayPersisted(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "sentinelctl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `sentinelctl <command> [flags]

Commands:
  breaker-state       show the circuit breaker's current state and metrics
  breaker-reset       force the circuit breaker closed
  breaker-force       force the circuit breaker to a specific state
  dashboard           dump the monitoring dashboard snapshot
  replay-persisted    print a persisted breaker-state file from disk`)
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "sentineld base URL")
	return fs, addr
}

func cmdBreakerState(args []string) {
	fs, addr := newFlagSet("breaker-state")
	fs.Parse(args)
	printJSONResponse(httpGet(*addr + "/admin/breaker/state"))
}

func cmdBreakerReset(args []string) {
	fs, addr := newFlagSet("breaker-reset")
	fs.Parse(args)
	printJSONResponse(httpPost(*addr+"/admin/breaker/reset", nil))
}

func cmdBreakerForce(args []string) {
	fs, addr := newFlagSet("breaker-force")
	state := fs.String("state", "", "target state: open|closed|half_open")
	fs.Parse(args)
	if *state == "" {
		fmt.Fprintln(os.Stderr, "sentinelctl: breaker-force requires -state open|closed|half_open")
		os.Exit(1)
	}
	printJSONResponse(httpPost(*addr+"/admin/breaker/force/"+*state, nil))
}

func cmdDashboard(args []string) {
	fs, addr := newFlagSet("dashboard")
	fs.Parse(args)
	printJSONResponse(httpGet(*addr + "/dashboard/snapshot"))
}

func cmdReplayPersisted(args []string) {
	fs := flag.NewFlagSet("replay-persisted", flag.ExitOnError)
	path := fs.String("path", "", "path to the breaker's persisted-state file")
	fs.Parse(args)
	if *path == "" {
		fmt.Fprintln(os.Stderr, "sentinelctl: replay-persisted requires -path")
		os.Exit(1)
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		os.Exit(1)
	}

	var ps map[string]interface{}
	if err := json.Unmarshal(data, &ps); err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: persisted file is not valid JSON: %v\n", err)
		os.Exit(1)
	}
	printJSON(ps)
}

func httpGet(url string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func httpPost(url string, body io.Reader) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printJSONResponse(raw []byte, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: request failed: %v\n", err)
		os.Exit(1)
	}
	var v interface{}
	if jsonErr := json.Unmarshal(raw, &v); jsonErr != nil {
		fmt.Println(string(raw))
		return
	}
	printJSON(v)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
