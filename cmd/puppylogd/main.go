// Command puppylogd is the thin HTTP transport for puppylog's core: it
// wires internal/config, internal/server, and a gorilla mux router
// together, then serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/puppycorp/puppylog/internal/config"
	"github.com/puppycorp/puppylog/internal/server"
	"github.com/puppycorp/puppylog/pkg/log"
)

func main() {
	env := config.LoadEnv()
	log.SetLogLevel(env.LogLevel)

	srv, err := server.New(env)
	if err != nil {
		log.Fatalf("puppylogd: build server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("puppylogd: start server: %v", err)
	}

	router := srv.Router()
	router.Use(handlers.CompressHandler)
	router.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Accept"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"})))

	loggedRouter := handlers.CustomLoggingHandler(log.InfoWriter, router, func(w io.Writer, params handlers.LogFormatterParams) {
		log.Finfof(w, "%s %s (Response: %d, Size: %d)", params.Request.Method, params.URL.RequestURI(), params.StatusCode, params.Size)
	})

	httpServer := &http.Server{
		Addr:         env.Addr,
		Handler:      loggedRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE responses are long-lived; don't cap them
	}

	listener, err := net.Listen("tcp", env.Addr)
	if err != nil {
		log.Fatalf("puppylogd: listen on %s: %v", env.Addr, err)
	}
	log.Infof("puppylogd: listening on %s", env.Addr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("puppylogd: serve: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("puppylogd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("puppylogd: http shutdown: %v", err)
	}
	srv.Shutdown(shutdownCtx)

	wg.Wait()
	log.Info("puppylogd: shutdown complete")
}
