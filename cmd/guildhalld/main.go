// Command guildhalld is the Guild Hall daemon: it loads configuration,
// enforces the single-instance guarantee, cleans up orphaned plugin
// subprocesses from any previous run, and serves the HTTP + SSE surface
// until signalled to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/guildhall/internal/agentsdk"
	"github.com/kandev/guildhall/internal/bootstrap"
	"github.com/kandev/guildhall/internal/common/config"
	"github.com/kandev/guildhall/internal/common/logger"
	"github.com/kandev/guildhall/internal/httpapi"
	"github.com/kandev/guildhall/internal/lifecycle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "guildhalld: config:", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "guildhalld: logger:", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	home := config.Home()
	if err := os.MkdirAll(home, 0o755); err != nil {
		log.Fatal("guildhalld: create home directory", zap.String("home", home), zap.Error(err))
	}

	if err := lifecycle.BootCleanup(config.McpServersDir(), log); err != nil {
		log.Warn("guildhalld: boot cleanup failed", zap.Error(err))
	}

	single, err := bootstrap.AcquireSingleton(home)
	if err != nil {
		log.Fatal("guildhalld: single-instance guarantee failed", zap.Error(err))
	}
	defer single.Release()

	// TODO: swap in the real wrapped agent SDK client once its Go adapter
	// ships; until then the mock keeps the full request/response/SSE path
	// exercisable end to end.
	agent := agentsdk.NewMockClient()

	ctx := bootstrap.New(cfg, log, agent)
	defer ctx.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	httpapi.New(ctx.SessionStore(), ctx.SessionManager(), ctx.EventBus(), log).Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("guildhalld: listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("guildhalld: shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			log.Fatal("guildhalld: server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("guildhalld: graceful HTTP shutdown failed", zap.Error(err))
	}
}
