// Command cepad is the cepa application server's CLI entry point: a
// single positional configuration-file argument.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/cryguy/cepa"
	"github.com/spf13/cobra"
)

// cepaDaemonizedEnv marks a re-exec'd child as already detached, so the
// re-exec in runDaemonized only ever happens once.
const cepaDaemonizedEnv = "CEPA_DAEMONIZED=1"

func main() {
	var foreground bool

	root := &cobra.Command{
		Use:           "cepad config_file",
		Short:         "cepa embedded application server",
		Args:          exactlyOneArg,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], foreground)
		},
	}
	root.Flags().BoolVarP(&foreground, "foreground", "f", false, "do not daemonize; run attached to the terminal")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exactlyOneArg requires the single configuration-file argument; a
// wrong argument count also prints the usage text.
func exactlyOneArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		cmd.SilenceUsage = false
		return err
	}
	return nil
}

// run loads the configuration, daemonizes unless -f was passed or this
// process is already the re-exec'd daemon child, builds the server,
// and blocks until a shutdown signal is handled.
func run(configPath string, foreground bool) error {
	cfg, err := cepa.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if !foreground && os.Getenv("CEPA_DAEMONIZED") != "1" {
		return daemonize()
	}

	log, err := cepa.NewLogger(false)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if err := os.Chdir(cfg.Docroot); err != nil {
		return fmt.Errorf("chdir to docroot %q: %w", cfg.Docroot, err)
	}

	srv, err := cepa.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	return cepa.Run(srv, log)
}

// daemonize re-execs the current process detached from its controlling
// terminal (new session via Setsid, streams redirected to /dev/null),
// then exits the parent on successful launch. fork() after the Go
// runtime has started goroutines is not supported, so detaching means
// re-exec rather than forking in place.
func daemonize() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	child := exec.Command(self, os.Args[1:]...)
	child.Env = append(os.Environ(), cepaDaemonizedEnv)
	child.Stdin = devNull
	child.Stdout = devNull
	child.Stderr = devNull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("daemonizing: %w", err)
	}
	return nil
}
