package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/schoolconsole/notify-engine/internal/cli"
	"github.com/schoolconsole/notify-engine/logger"
)

func main() {
	logger.InitLogger()
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		log.Errorw("Command failed", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}
