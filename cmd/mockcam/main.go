package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/mock"
)

func main() {
	url := pflag.StringP("url", "u", "ws://127.0.0.1:8765", "Relay address")
	fps := pflag.Int("fps", 10, "Frames per second while streaming")
	width := pflag.Int("width", 320, "Frame width")
	height := pflag.Int("height", 240, "Frame height")
	pattern := pflag.String("pattern", mock.PatternSteady, "Pacing: steady, burst or stall")
	autostart := pflag.Bool("autostart", false, "Stream without waiting for START")
	logLevel := pflag.String("log-level", "info", "Log level")
	pflag.Parse()

	lg, err := logger.New(logger.Options{Service: "mockcam", Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cam := mock.NewCamera(mock.CameraOptions{
		URL:       *url,
		FPS:       *fps,
		Width:     *width,
		Height:    *height,
		Pattern:   *pattern,
		Autostart: *autostart,
		Seed:      int64(os.Getpid()),
	}, lg)
	if err := cam.Run(ctx); err != nil {
		lg.Error("camera stopped", logger.Err(err))
		stop()
		os.Exit(1)
	}
	lg.Info("camera finished", logger.F("frames", cam.Sent()))
}
