package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/absfs/cryptdir/internal/cmd"
	"github.com/charmbracelet/fang"
)

// set by -ldflags at release time
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := fang.Execute(ctx, cmd.NewRootCmd(), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}
