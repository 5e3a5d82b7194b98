package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	_ "github.com/lib/pq"

	"github.com/moodrooms/roomsync/internal/config"
	"github.com/moodrooms/roomsync/internal/connection"
	"github.com/moodrooms/roomsync/internal/database"
	"github.com/moodrooms/roomsync/internal/engine"
	"github.com/moodrooms/roomsync/internal/events"
	"github.com/moodrooms/roomsync/internal/stats"
	"github.com/moodrooms/roomsync/internal/transport"
	"github.com/moodrooms/roomsync/internal/types"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	realtimeURL    string
	dsn            string
	signingKey     string
	userId         string
	room           string
	mood           string
	debugAddr      string
	runMigrations  bool
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&realtimeURL, "realtime-url", "ws://localhost:4000/realtime", "realtime service websocket URL")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&userId, "user", "", "local user id")
	flag.StringVar(&room, "room", "", "room to join on startup")
	flag.StringVar(&mood, "mood", string(types.MoodChill), "initial mood")
	flag.StringVar(&debugAddr, "debug-addr", "localhost:8090", "debug server address")
	flag.BoolVar(&runMigrations, "migrate", false, "run database migrations on startup")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for the debug server")
	flag.Parse()

	logger := log.New(os.Stderr, "[roomsync] ", log.LstdFlags)

	if userId == "" {
		logger.Fatal("-user is required")
	}

	cfg, err := config.NewConfig(realtimeURL, dsn, signingKey, debugAddr, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	if runMigrations {
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			logger.Fatal("migrate:", err)
		}
	}

	repo, err := database.NewPgRoomRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	conn := transport.NewWSConn(cfg.RealtimeURL, cfg.SigningKey, userId, logger)
	client := engine.NewClient(conn, repo, statsUpdater, logger, userId, engine.DefaultOptions())

	client.OnConnectionChange(func(sc connection.StateChange) {
		logger.Printf("connection: %s -> %s", sc.Old, sc.New)
	})
	client.OnMembershipChange(func(entries []types.PresenceEntry) {
		logger.Printf("presence: %d member(s) in room", len(entries))
	})
	client.OnEvent(events.TypeReaction, func(ev types.Event) {
		logger.Printf("reaction from %s: %s", ev.SenderId, ev.Payload)
	})
	client.OnEvent(events.TypeTyping, func(ev types.Event) {
		logger.Printf("typing from %s: %s", ev.SenderId, ev.Payload)
	})

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := client.Connect(connectCtx); err != nil {
		// not fatal: the retry loop keeps going and the state stream
		// reports progress
		logger.Println("connect:", err)
	}
	cancel()

	if room != "" {
		joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := client.JoinRoom(joinCtx, room, types.Mood(mood)); err != nil {
			logger.Println("join room:", err)
		}
		cancel()
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	srv := &http.Server{
		Addr:    cfg.DebugAddr,
		Handler: h,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("debug server:", err)
	}

	logger.Println("shutting down...")
	client.Close()

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("debug server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
