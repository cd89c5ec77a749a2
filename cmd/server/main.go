// Command server runs the RMM control plane: the agent-facing channel and
// check-in endpoints, the dashboard fan-out, and the background loops that
// dispatch tasks, detect silent devices, evaluate alert rules, and bridge
// an external pub/sub topic into agent commands.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/fluxguard/internal/server/alerting"
	"github.com/itskum47/fluxguard/internal/server/checkin"
	"github.com/itskum47/fluxguard/internal/server/config"
	"github.com/itskum47/fluxguard/internal/server/dispatch"
	"github.com/itskum47/fluxguard/internal/server/email"
	"github.com/itskum47/fluxguard/internal/server/middleware"
	"github.com/itskum47/fluxguard/internal/server/offline"
	"github.com/itskum47/fluxguard/internal/server/policy"
	"github.com/itskum47/fluxguard/internal/server/pushbridge"
	"github.com/itskum47/fluxguard/internal/server/registry"
	"github.com/itskum47/fluxguard/internal/server/store"
	"github.com/itskum47/fluxguard/internal/server/wsagent"
	"github.com/itskum47/fluxguard/internal/server/wsdash"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agentSecret := os.Getenv("FLUXGUARD_AGENT_SECRET")
	if agentSecret == "" {
		log.Fatal("FLUXGUARD_AGENT_SECRET is required")
	}

	var s store.Store
	if dsn := os.Getenv("FLUXGUARD_POSTGRES_DSN"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Println("using postgres store")
	} else {
		log.Println("FLUXGUARD_POSTGRES_DSN not set, using in-memory store (not durable)")
		s = store.NewMemoryStore()
	}

	seed := config.LoadSeedFile(os.Getenv("FLUXGUARD_SETTINGS_SEED_PATH"))
	if err := config.Seed(ctx, s, seed); err != nil {
		log.Fatalf("failed to seed settings: %v", err)
	}

	conns := registry.New()
	pol := policy.New()
	mailer := email.NewLogSender()
	alertEngine := alerting.New(s, conns, mailer)

	wsURL := getenv("FLUXGUARD_WS_URL", "ws://localhost:8080/ws/agent")
	checkinHandler := checkin.New(s, pol, wsURL)
	agentHandler := wsagent.New(s, conns, conns, alertEngine, mailer, agentSecret)
	dashHandler := wsdash.New(conns)

	dispatcher := dispatch.New(s, conns)
	detector := offline.New(s, conns, conns, mailer, defaultOfflineMinutes(seed))

	go dispatcher.Run(ctx)
	go detector.Run(ctx)
	go alertEngine.Run(ctx)

	if addr := os.Getenv("FLUXGUARD_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		topic := getenv("FLUXGUARD_PUSH_TOPIC", "fluxguard:commands")
		bridge := pushbridge.New(client, topic, conns)
		go bridge.Run(ctx)
		log.Printf("push bridge subscribed to %s via redis at %s", topic, addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/checkin", middleware.RequireAgentToken(agentSecret)(checkinHandler))
	mux.Handle("/tasks/", middleware.RequireAgentToken(agentSecret)(http.HandlerFunc(checkinHandler.ServeTaskActive)))
	mux.Handle("/ws/agent", agentHandler)
	mux.Handle("/ws/dashboard", dashHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := middleware.CORS(mux)

	addr := getenv("FLUXGUARD_LISTEN_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
	}()

	log.Printf("fluxguard control plane listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}

func defaultOfflineMinutes(sf config.SeedFile) int {
	for _, e := range sf.Settings {
		if e.Key == "offline_minutes" {
			var n int
			if _, err := fmt.Sscanf(e.Value, "%d", &n); err == nil && n > 0 {
				return n
			}
		}
	}
	return offline.DefaultOfflineMinutes
}
