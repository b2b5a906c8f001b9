package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/execbroker/execbroker/approval"
	"github.com/execbroker/execbroker/credential"
	"github.com/execbroker/execbroker/dispatcher"
	"github.com/execbroker/execbroker/eventlog"
	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/pipeline"
	"github.com/execbroker/execbroker/policy"
	"github.com/execbroker/execbroker/registry"
	"github.com/execbroker/execbroker/task"
	"github.com/execbroker/execbroker/task/scriptsandbox"
	"github.com/execbroker/execbroker/toolsource"
)

func main() {
	var (
		httpAddrF = flag.String("http-addr", ":8080", "HTTP listen address")
		mongoF    = flag.String("mongo-url", "", "MongoDB connection string (empty: in-memory store)")
		mongoDBF  = flag.String("mongo-db", "execbroker", "MongoDB database name")
		redisF    = flag.String("redis-url", "", "Redis URL for approval notifications (empty: poll only)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var store persistence.Store
	if *mongoF != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoF))
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "connect mongo"})
		}
		defer func() { _ = client.Disconnect(ctx) }()
		store, err = persistence.NewMongoStore(ctx, persistence.MongoOptions{Client: client, Database: *mongoDBF})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "init mongo store"})
		}
		log.Print(ctx, log.KV{K: "store", V: "mongo"}, log.KV{K: "db", V: *mongoDBF})
	} else {
		store = persistence.NewMemoryStore()
		log.Print(ctx, log.KV{K: "store", V: "memory"})
	}

	var redisClient *redis.Client
	if *redisF != "" {
		opts, err := redis.ParseURL(*redisF)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "parse redis url"})
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
	}

	events := eventlog.New(store)
	compiler := toolsource.NewCompiler(toolsource.CompilerOptions{})
	reg := registry.New(registry.Options{Store: store, Compiler: compiler})
	disp := dispatcher.New(dispatcher.Options{})
	defer disp.Close()
	reg.BindBuiltins(disp)
	approvals := approval.New(approval.Options{Store: store, Log: events, Redis: redisClient})
	pipe := pipeline.New(pipeline.Options{
		Store:       store,
		Registry:    reg,
		Policies:    policy.NewEngine(),
		Credentials: credential.NewResolver(store, credential.NewRegistry()),
		Approvals:   approvals,
		Dispatcher:  disp,
		Log:         events,
	})
	executor := task.NewExecutor(task.Options{
		Store:    store,
		Log:      events,
		Pipeline: pipe,
		Sandbox:  scriptsandbox.New(),
		Runtimes: task.StaticRuntimes{"script": {ID: "script", Label: "Line script sandbox"}},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		var req task.NewTask
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created, err := executor.Create(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		go func() {
			rctx := log.Context(context.Background(), log.WithFormat(format))
			if err := executor.Run(rctx, created.ID); err != nil {
				log.Error(rctx, err, log.KV{K: "task", V: created.ID}, log.KV{K: "msg", V: "run task"})
			}
		}()
		writeJSON(w, http.StatusAccepted, created)
	})
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		t, err := store.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if t == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})
	mux.HandleFunc("GET /tasks/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		events, err := store.ListTaskEvents(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})
	mux.HandleFunc("POST /approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Decision   string `json:"decision"`
			ReviewerID string `json:"reviewerId"`
			Reason     string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a, err := approvals.Resolve(r.Context(), r.PathValue("id"), persistence.ApprovalStatus(req.Decision), req.ReviewerID, req.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, a)
	})

	server := &http.Server{
		Addr:              *httpAddrF,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "http-addr", V: *httpAddrF})
		errc <- server.ListenAndServe()
	}()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		log.Error(ctx, err, log.KV{K: "msg", V: "server stopped"})
	case sig := <-sigc:
		log.Print(ctx, log.KV{K: "signal", V: fmt.Sprint(sig)})
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "shutdown"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
