// Command streamrepod runs a demo stream repository daemon: a Repository
// wired to in-memory fake collaborators, serving metrics and health
// endpoints. It exists to exercise the library end to end; production
// deployments wire real collaborators (dispatcher, handlers, anchor
// service, stores) in their own main, grounded on the same Repository API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streamstore/streamstore/collab"
	"github.com/streamstore/streamstore/fakes"
	"github.com/streamstore/streamstore/pkg/admin"
	"github.com/streamstore/streamstore/pkg/flags"
	"github.com/streamstore/streamstore/repository"
)

const streamType = "demo"

func main() {
	cmd := flag.NewFlagSet("streamrepod", flag.ExitOnError)
	adminAddr := cmd.String("admin-addr", ":9990", "address to serve /metrics, /ping, and /ready on")
	cacheLimit := cmd.Int("cache-limit", 1024, "maximum number of evictable RunningStates held in memory")
	queueConcurrency := cmd.Int64("queue-concurrency", 16, "maximum number of streams with a task executing concurrently, per queue")
	syncTimeout := cmd.Duration("sync-timeout", 10*time.Second, "default timeout for network sync during load")
	enablePprof := cmd.Bool("enable-pprof", false, "serve pprof endpoints on the admin server")

	flags.ConfigureAndParse(cmd, os.Args[1:])

	repo := repository.New(repository.Config{
		CacheLimit:       *cacheLimit,
		QueueConcurrency: *queueConcurrency,
		DefaultTimeout:   *syncTimeout,
	})

	stateStore := fakes.NewStateStore()
	indexing := fakes.NewIndexingAPI("demo-indexed-model")
	if err := repo.SetDeps(context.Background(), repository.Deps{
		Handlers:       map[string]collab.Handler{streamType: fakes.Handler{}},
		Dispatcher:     fakes.NewDispatcher(),
		Conflict:       fakes.ConflictResolution{},
		Anchors:        fakes.AnchorService{},
		KV:             fakes.NewKVStore(),
		PinStore:       fakes.NewPinStore(stateStore),
		AnchorRequests: fakes.NewAnchorRequestStore(),
		Indexing:       indexing,
	}); err != nil {
		log.WithError(err).Fatal("failed to wire repository dependencies")
	}

	adminServer := admin.NewServer(*adminAddr, *enablePprof)
	go func() {
		log.Infof("admin server listening on %s", *adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("admin server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("admin server shutdown error")
	}
	if err := repo.Close(ctx); err != nil {
		log.WithError(err).Warn("repository close error")
	}
}
