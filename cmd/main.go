// Command tally imports placement sheets and reconciles recruiter incentives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM. A cancelled import stores nothing.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		os.Stderr.WriteString("tally: " + err.Error() + "\n")
		stop()
		os.Exit(1)
	}
}
