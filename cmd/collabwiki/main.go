// Command collabwiki runs the collaborative editing server: websocket
// clients attach per wiki page, operations are merged through the
// transform engine, and sessions are kept in redis with revisions
// archived to mongo on commit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"collabwiki/internal/collab"
	"collabwiki/internal/config"
	"collabwiki/internal/hub"
	"collabwiki/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	defer rdb.Close()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	if err := mongoClient.Ping(ctx, nil); err != nil {
		log.Fatalf("ping mongo: %v", err)
	}
	db := mongoClient.Database(cfg.MongoDatabase)

	sessions := store.NewRedisStore(rdb, cfg.SessionTTL)
	pages := store.NewMongoPages(db)
	revisions := store.NewMongoRevisions(db)
	publisher := hub.NewPublisher(rdb)

	service := collab.New(sessions, pages, revisions, publisher, collab.Config{
		IdleThreshold: cfg.IdleThreshold,
		HistoryLimit:  cfg.HistoryLimit,
	})

	h := hub.New(service, rdb)
	go h.Run(ctx)
	go service.RunReaper(ctx, cfg.CleanupInterval)

	r := mux.NewRouter()
	r.HandleFunc("/ws/{page}", func(w http.ResponseWriter, req *http.Request) {
		h.ServeWS(w, req, mux.Vars(req)["page"])
	})
	r.HandleFunc("/api/pages/{page}/session", func(w http.ResponseWriter, req *http.Request) {
		snap, err := service.Snapshot(req.Context(), mux.Vars(req)["page"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}).Methods("GET")
	r.HandleFunc("/api/pages/{page}/text", func(w http.ResponseWriter, req *http.Request) {
		snap, err := service.Snapshot(req.Context(), mux.Vars(req)["page"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": snap.Content})
	}).Methods("GET")
	r.HandleFunc("/api/pages/{page}/commit", func(w http.ResponseWriter, req *http.Request) {
		rev, err := service.Commit(req.Context(), mux.Vars(req)["page"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rev)
	}).Methods("POST")
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		_, redisErr := rdb.Ping(req.Context()).Result()
		mongoErr := mongoClient.Ping(req.Context(), nil)
		status := map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now(),
			"services": map[string]bool{
				"redis": redisErr == nil,
				"mongo": mongoErr == nil,
			},
		}
		code := http.StatusOK
		if redisErr != nil || mongoErr != nil {
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}).Methods("GET")
	r.Use(corsMiddleware)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("collabwiki server listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, collab.ErrNotFound) {
		code = http.StatusNotFound
	}
	http.Error(w, err.Error(), code)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
