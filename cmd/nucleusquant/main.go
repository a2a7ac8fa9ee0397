package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"nucleusquant/internal/cli"
)

// main only wires process state (args, streams, signals) into cli.Main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Main(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
