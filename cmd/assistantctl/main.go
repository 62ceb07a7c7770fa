// assistantctl - terminal and MCP front end for the guide assistant
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/guidebot/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewApp().CreateRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
