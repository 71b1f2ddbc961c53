package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"ctclusterd/election"

	"golang.org/x/sync/errgroup"
)

func daemon(ctx context.Context, store ConsistentStore, elBackend election.Backend, database Database, el *election.Election, conf config) {
	ctrl := NewClusterStateController(store, database, el, conf.nodeName)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(ctx)
	})

	g.Go(func() error {
		return electionLoop(ctx, el, elBackend)
	})

	g.Go(func() error {
		return runStatusServer(ctx, ctrl, el, conf)
	})

	bootstrapLocalState(ctx, ctrl, database, conf)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Fatal error: %v", err)
	}
}

// bootstrapLocalState announces this node's endpoint and, if the local
// database already holds a tree head from a previous run, rejoins the
// cluster at that position.
func bootstrapLocalState(ctx context.Context, ctrl *ClusterStateController, database Database, conf config) {
	ctrl.SetNodeHostPort(conf.hostname, conf.logPort)

	sth, err := database.LatestTreeHead(ctx)
	switch {
	case err == nil:
		log.Printf("Resuming from local tree head: size=%d timestamp=%d", sth.TreeSize, sth.Timestamp)
		ctrl.NewTreeHead(*sth)
	case errors.Is(err, ErrNoTreeHead):
		log.Printf("Local database has no tree head yet")
	default:
		log.Fatalf("Failed to read latest local tree head: %v", err)
	}
}

// electionLoop runs one election round per tick so the master keeps
// refreshing its lease and everyone else tracks the current holder.
func electionLoop(ctx context.Context, el *election.Election, backend election.Backend) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("returning ctx.Done() error in election loop: %w", ctx.Err())
		case <-ticker.C:
			eCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := el.Run(eCtx, backend)
			cancel()
			if err != nil {
				log.Printf("Election error: %v", err)
			}
		}
	}
}
