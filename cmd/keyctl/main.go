package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"neighborly/go-backend/internal/app"
	"neighborly/go-backend/internal/composition/keyservice"
	"neighborly/go-backend/internal/config"
	"neighborly/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `usage: keyctl [flags] <command> [command flags]

commands:
  ensure     create the user's keypair if missing and publish it
  backup     print the recovery phrase of the user's key
  restore    replace the user's key from a phrase read on stdin
  verify     check a phrase read on stdin against the user's key
  republish  publish the stored public key again
  reset      replace the user's key with a new one (-yes required)
  wipe       delete the user's key from this device (-yes required)
  seal       encrypt stdin for a recipient, print the envelope as JSON
  open       decrypt a JSON envelope read on stdin
  doctor     check the local key and its directory entry
  version    print build information
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run returns the process exit code: 0 ok, 1 failure, 2 usage.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keyctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Path to keys.yaml (optional)")
	envFile := fs.String("env-file", ".env", "Optional .env file with NB_* variables")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	name, rest := fs.Arg(0), fs.Args()[1:]
	if name == "version" {
		fmt.Fprintf(stdout, "keyctl version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "keyctl: unknown command %q\n", name)
		fs.Usage()
		return 2
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "keyctl: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "keyctl: %v\n", err)
		return 1
	}
	logger := privacylog.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)

	rt, err := keyservice.Build(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(stderr, "keyctl: %v\n", err)
		return 1
	}
	defer rt.Close()

	env := &cmdEnv{svc: rt.Service, stdin: stdin, stdout: stdout, stderr: stderr}
	if err := cmd(ctx, env, rest); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "keyctl %s: %v (class=%s)\n", name, err, app.ErrorClass(err))
		return 1
	}
	return 0
}
