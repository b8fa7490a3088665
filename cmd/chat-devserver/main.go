package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gastownhall/chatsync/internal/devserver"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chat-devserver [flags]\n\n")
		fmt.Fprintf(os.Stderr, "In-memory chat backend serving the conversation sockets and REST routes\n")
		fmt.Fprintf(os.Stderr, "for local development of chatsync clients. Nothing is persisted.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chat-devserver --seed\n")
		fmt.Fprintf(os.Stderr, "  chat-devserver --listen :9000 --tokens \"tok-a=1,tok-b=2\"\n")
		fmt.Fprintf(os.Stderr, "  chat-devserver --seed --allowed-origins \"http://localhost:3000\"\n")
	}

	listen := flag.String("listen", ":8000", "HTTP/WebSocket listen address")
	tokenList := flag.String("tokens", "", "comma-separated token=userID pairs")
	seed := flag.Bool("seed", false, "load demo users (alice-token, bob-token, carol-token) and conversations")
	allowedOrigins := flag.String("allowed-origins", "", "comma-separated CORS origins (empty = any)")
	flag.Parse()

	store := devserver.NewStore(nil)
	if *seed {
		store.Seed()
	}
	if err := addTokens(store, *tokenList); err != nil {
		log.Fatalf("chat-devserver: %v", err)
	}

	var origins []string
	for _, o := range strings.Split(*allowedOrigins, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}

	srv := devserver.NewServer(store, origins)
	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("chat-devserver: listening on %s", *listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("chat-devserver: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("chat-devserver: shutdown: %v", err)
	}
}

// addTokens registers "token=userID" pairs.
func addTokens(store *devserver.Store, list string) error {
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, idStr, ok := strings.Cut(pair, "=")
		if !ok || token == "" {
			return fmt.Errorf("invalid token pair %q (want token=userID)", pair)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid user id in %q", pair)
		}
		store.AddToken(token, id)
	}
	return nil
}
