package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gestix/livechat/internal/auth"
	"github.com/gestix/livechat/internal/chat"
	"github.com/gestix/livechat/internal/gateway"
	"github.com/gestix/livechat/internal/lobby"
	"github.com/gestix/livechat/internal/messaging"
	"github.com/gestix/livechat/internal/ratelimit"
)

func main() {
	config := gateway.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Heartbeat.Interval = d
		}
	}

	lobbyConfig := lobby.DefaultConfig()
	if v := os.Getenv("QUEUE_ENTRY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			lobbyConfig.EntryTTL = d
		}
	}
	if v := os.Getenv("QUEUE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			lobbyConfig.SweepInterval = d
		}
	}

	logTTL := chat.DefaultLogTTL
	if v := os.Getenv("MESSAGE_LOG_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			logTTL = d
		}
	}

	// --- Department policy ---
	departments := "Ventas,Soporte"
	if v := os.Getenv("DEPARTMENTS"); v != "" {
		departments = v
	}
	policy, err := auth.ParsePolicy(departments, os.Getenv("RESTRICTED_DEPARTMENTS"))
	if err != nil {
		log.Fatalf("invalid department policy: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- NATS (optional — the routing layer works without the event stream) ---
	var bus *messaging.Client
	natsConfig := messaging.DefaultConfig()
	natsConfig.Name = "livechat-chatserver"
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	if os.Getenv("NATS_DISABLED") == "" {
		bus, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer bus.Close()
	}

	// --- Lobby actor ---
	lobbyActor := lobby.NewActor(lobby.NewRedisStore(rdb), lobbyConfig)
	if bus != nil {
		lobbyActor.SetOnExpire(func(entry lobby.QueueEntry) {
			if err := bus.PublishRequestExpired(messaging.RequestEvent{
				SessionID:  entry.SessionID,
				UserName:   entry.UserName,
				Department: entry.Department,
				Timestamp:  time.Now().UnixMilli(),
			}); err != nil {
				log.Printf("publish expired session=%s: %v", entry.SessionID, err)
			}
		})
	}
	if err := lobbyActor.Start(context.Background()); err != nil {
		log.Fatalf("failed to start lobby: %v", err)
	}

	// --- Session registry ---
	var onEmpty func(sessionID string)
	if bus != nil {
		onEmpty = func(sessionID string) {
			if err := bus.PublishSessionClosed(messaging.SessionEvent{
				SessionID: sessionID,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				log.Printf("publish closed session=%s: %v", sessionID, err)
			}
		}
	}
	registry := chat.NewRegistry(chat.NewRedisLogStore(rdb, logTTL), onEmpty)

	deps := gateway.Deps{
		Lobby:    lobbyActor,
		Sessions: registry,
		Policy:   policy,
		Gate:     auth.AllowAll{},
		Limiter:  ratelimit.NewLimiter(rdb),
	}
	if bus != nil {
		deps.Bus = bus
	}
	server := gateway.NewServer(config, deps)

	log.Printf("Livechat server starting")
	log.Printf("  listen_addr:   %s", config.ListenAddr)
	log.Printf("  redis_addr:    %s", redisAddr)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  departments:   %s", departments)
	log.Printf("  queue_ttl:     %s", lobbyConfig.EntryTTL)
	log.Printf("  log_ttl:       %s", logTTL)

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down...")
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		registry.StopAll()
		lobbyActor.Stop()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
