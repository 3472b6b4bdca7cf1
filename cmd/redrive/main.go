// Command redrive inspects a dead letter queue and moves its messages back to
// the primary queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimburion/redrive/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand(cli.Options{
		Name:        "redrive",
		Description: "Inspect, purge and redrive dead letter queues",
		ConfigPath:  os.Getenv("REDRIVE_CONFIG_FILE"),
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
