package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jaevor/go-nanoid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/convo-chat/convo/internal/auth"
	"github.com/convo-chat/convo/internal/bus"
	"github.com/convo-chat/convo/internal/config"
	"github.com/convo-chat/convo/internal/dedupe"
	"github.com/convo-chat/convo/internal/gateway"
	"github.com/convo-chat/convo/internal/kafka"
	"github.com/convo-chat/convo/internal/models"
	"github.com/convo-chat/convo/internal/presence"
	"github.com/convo-chat/convo/internal/registry"
	"github.com/convo-chat/convo/internal/router"
	"github.com/convo-chat/convo/internal/services"
	"github.com/convo-chat/convo/internal/store"
	"github.com/convo-chat/convo/internal/unread"
)

const (
	busChannel = "convo:events"
	dedupeTTL  = 24 * time.Hour
)

func main() {
	// Load configuration from environment
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared state: presence, unread counters, dedupe keys and the
	// broadcast bus all live on the same Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to reach Redis at %s: %v", cfg.RedisAddr, err)
	}

	newID, err := nanoid.Standard(21)
	if err != nil {
		log.Fatalf("Failed to create id generator: %v", err)
	}
	processID := newID()
	log.Printf("Starting fan-out server, process id %s", processID)

	chatStore := store.NewClient(cfg.ChatStoreURL, cfg.ChatStoreKey)
	reg := registry.New()

	// The bus republishes events into the local registry; the registry
	// resolves the target selector to locally bound connections
	deliver := func(target bus.Target, event models.Event) {
		frame, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to marshal %s event for delivery: %v", event.Type, err)
			return
		}
		if target.Broadcast {
			reg.Broadcast(frame)
			return
		}
		// Conversation and user selectors may combine; each connection in
		// the union of rooms gets the frame once
		rooms := make([]string, 0, len(target.UserIDs)+1)
		if target.ConversationID != "" {
			rooms = append(rooms, registry.ConversationRoom(target.ConversationID))
		}
		for _, userID := range target.UserIDs {
			rooms = append(rooms, registry.UserRoom(userID))
		}
		reg.SendRooms(rooms, frame)
	}
	eventBus := bus.New(rdb, busChannel, processID, deliver)

	presenceStore := presence.NewStore(rdb)
	unreadCounter := unread.NewCounter(rdb)
	dedupeGuard := dedupe.NewGuard(rdb, dedupeTTL)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	persister := services.NewPersister(chatStore, dedupeGuard, unreadCounter)
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID,
		cfg.ConsumerCooldown, persister.HandleEnvelope)

	eventRouter := router.New(eventBus, chatStore, producer, unreadCounter)
	reconciler := services.NewReconciler(presenceStore, eventRouter, cfg.ReconcileInterval)
	gw := gateway.New(ctx, reg, presenceStore, eventRouter, unreadCounter,
		auth.NewManager(cfg.JWTSecret), newID)

	// Set up router with middleware
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "process": processID})
	})
	r.Get("/ws", gw.ServeWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eventBus.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })

	g.Go(func() error {
		log.Printf("Fan-out server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Shutdown sequencing: stop accepting sockets, then give the producer
	// and consumer a bounded window to flush and commit
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}

		// Messages already broadcast get the rest of the window to reach
		// the durable log before the producer flushes
		flushed := make(chan struct{})
		go func() {
			eventRouter.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout: abandoning in-flight durable submissions")
		}

		if err := producer.Close(); err != nil {
			log.Printf("Producer close error: %v", err)
		}
		if err := consumer.Close(); err != nil {
			log.Printf("Consumer close error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Shutdown complete")
}
