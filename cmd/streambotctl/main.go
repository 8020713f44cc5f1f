// streambotctl is the interactive operator console for a running
// streambotd daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lbot/streambot/pkg/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4580", "Daemon control channel address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*addr, client.NewStdTerminal())
	if err := c.Run(ctx); err != nil {
		if errors.Is(err, client.ErrLoginFailed) {
			fmt.Fprintln(os.Stderr, "Login failed, giving up")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Session ended: %v\n", err)
		os.Exit(1)
	}
}
