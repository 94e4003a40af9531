package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatstate/internal/api"
	"chatstate/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var (
	serveAddr      string
	servePublicURL string
	streamTimeout  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the HTTP API and the server-sent change feed. When PASSWORD is set
every route except login and defaults requires it or a session token.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides basic_config.server_address)")
	serveCmd.Flags().StringVar(&servePublicURL, "public-url", os.Getenv("CHATSTATE_PUBLIC_URL"), "Root URL used in share links")
	serveCmd.Flags().DurationVar(&streamTimeout, "stream-timeout", 5*time.Minute, "Upper bound for one streamed reply")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, servePublicURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(10 * time.Second); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	authService := auth.NewService(cfg.Defaults.Password, 24*time.Hour)
	if !authService.Enabled() {
		log.Printf("PASSWORD is empty, routes are unprotected")
	}
	handlers := api.NewHandler(rt.app, authService, cfg.Defaults.Client(), streamTimeout)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := serveAddr
	if addr == "" {
		addr = cfg.BasicConfig.ServerAddress
	}
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
		// Open event streams end on shutdown instead of holding it up.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
