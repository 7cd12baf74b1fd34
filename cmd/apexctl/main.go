// Command apexctl inspects a running module through its status endpoint.
//
//	apexctl [-config apexhv.yaml] [-base URL] [command [args...]]
//
// Without a command it starts an interactive session.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"apexhv/internal/cli/command"
	"apexhv/internal/cli/config"
	"apexhv/internal/cli/httpclient"
	"apexhv/internal/cli/repl"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("apexctl", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "Module config file to read the status address from")
	baseURL := flags.String("base", "", "Override base URL")
	timeout := flags.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	rawJSON := flags.Bool("json", false, "Print response data as JSON")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	if *baseURL != "" {
		cfg.BaseURL = config.BaseURL(*baseURL)
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := httpclient.New(cfg.BaseURL, cfg.Timeout)
	session := repl.New(client, command.Registry(), *rawJSON, stdout)
	if flags.NArg() == 0 {
		session.Run(ctx, stdin)
		return 0
	}
	if err := session.Exec(ctx, flags.Args()); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
