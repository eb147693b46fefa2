package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"projectlab/internal/api"
	"projectlab/internal/completion"
	"projectlab/internal/config"
	"projectlab/internal/crdt"
	"projectlab/internal/db"
	"projectlab/internal/pubsub"
	"projectlab/internal/repository"
	"projectlab/internal/services/chat"
	"projectlab/internal/services/docsync"
	"projectlab/internal/telemetry"
)

// compactThreshold is the stored-update count past which a document's
// history is replaced with one merged update on load.
const compactThreshold = 256

// mergeUpdates folds an update log into a single update by replaying it
// into a scratch document. Merging is idempotent, so a corrupt record is
// skipped rather than fatal.
func mergeUpdates(updates [][]byte) []byte {
	doc := crdt.NewDoc()
	for _, u := range updates {
		if err := doc.ApplyUpdate(u, nil); err != nil {
			log.Printf("⚠️  Skipping bad stored update during compaction: %v", err)
		}
	}
	return doc.EncodeStateAsUpdate()
}

func main() {
	log.Println("🚀 Starting ProjectLab realtime server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing first, so every later init is traced
	jaegerShutdown, err := telemetry.InitJaeger("projectlab", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	chatRepo := repository.NewChatRepository(database.DB)
	updateRepo := repository.NewUpdateRepository(database.DB)

	var llm *completion.Client
	if cfg.CompletionAPIKey != "" {
		llm = completion.NewClient(cfg.CompletionAPIKey, cfg.CompletionBaseURL)
		log.Println("✓ Completion client initialized")
	}

	checkOrigin := api.NewOriginChecker(cfg.AllowedOrigins)

	// Optional cross-instance fan-out. Single-instance deployments run
	// without Redis and lose nothing.
	var bridge pubsub.Bridge
	if cfg.RedisAddr != "" {
		rb, err := pubsub.NewRedisBridge(context.Background(), cfg.RedisAddr)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		bridge = rb
		log.Printf("✓ Redis bridge connected: %s", cfg.RedisAddr)
	}

	relay := chat.NewRelay(chat.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBufferSize,
		CheckOrigin:    checkOrigin,
		Bridge:         bridge,
	})
	relay.Start()

	docManager := docsync.NewManager(docsync.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBufferSize,
		CheckOrigin:    checkOrigin,
		LoadUpdates: func(docName string) [][]byte {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			records, err := updateRepo.GetAllUpdates(ctx, docName)
			if err != nil {
				log.Printf("⚠️  Failed to load updates for doc %q: %v", docName, err)
				return nil
			}
			updates := make([][]byte, 0, len(records))
			for _, rec := range records {
				updates = append(updates, rec.Update)
			}
			// Long update logs slow every cold load; fold them into a
			// single merged update once they pass the threshold.
			if len(updates) > compactThreshold {
				merged := mergeUpdates(updates)
				if err := updateRepo.Compact(ctx, docName, merged); err != nil {
					log.Printf("⚠️  Failed to compact doc %q: %v", docName, err)
					return updates
				}
				log.Printf("✓ Compacted doc %q: %d updates -> 1", docName, len(updates))
				return [][]byte{merged}
			}
			return updates
		},
		StoreUpdate: func(docName string, update []byte) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := updateRepo.Store(ctx, docName, update, 0); err != nil {
					log.Printf("⚠️  Failed to persist update for doc %q: %v", docName, err)
				}
			}()
		},
	})
	docManager.Start()

	upgrades := api.NewUpgradeRouter(cfg.ChatPath, cfg.DocPathPrefix)
	handler := api.NewHandler(relay, docManager, upgrades, chatRepo, llm)
	router := api.SetupRoutes(handler, cfg.ChatPath, cfg.DocPathPrefix)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived websocket connections.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("   WS     %s                    - chat relay", cfg.ChatPath)
		log.Printf("   WS     %s/{doc}              - document sync", cfg.DocPathPrefix)
		log.Printf("   POST   /api/rooms/:id/messages  - post chat message")
		log.Printf("   GET    /api/rooms/:id/messages  - chat history")
		log.Printf("   POST   /api/rooms/:id/assistant - room assistant")
		log.Printf("   GET    /api/health              - health and gauges")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	relay.Shutdown()
	docManager.Shutdown()

	log.Println("✓ Server shutdown complete")
}
