package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/test/mockhub"
)

func main() {
	addr := flag.String("addr", ":8080", "Server address")
	rentalMinutes := flag.Int("rental-minutes", 0, "Initial running window after confirmation (0 = default)")
	confirmIndexing := flag.Int("confirm-indexing", 0, "202 answers per session before confirming")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.Setup(logging.Config{Level: *logLevel, Format: "text"})

	state := mockhub.NewState()
	if *rentalMinutes > 0 || *confirmIndexing > 0 {
		state.Configure(mockhub.Config{
			RentalMinutes:   *rentalMinutes,
			ConfirmIndexing: *confirmIndexing,
		})
	}
	server := mockhub.NewServer(state).WithLogger(logger)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down mock hub")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting mock hub", slog.String("addr", *addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
