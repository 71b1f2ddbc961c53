package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"ctclusterd/election"
)

type StatusResponse struct {
	NodeID               string          `json:"node_id"`
	Hostname             string          `json:"hostname"`
	LogPort              int             `json:"log_port"`
	IsMaster             bool            `json:"is_master"`
	NewestSTH            *SignedTreeHead `json:"newest_sth,omitempty"`
	CalculatedServingSTH *SignedTreeHead `json:"calculated_serving_sth,omitempty"`
}

func runStatusServer(ctx context.Context, ctrl *ClusterStateController, el *election.Election, conf config) error {
	srv := &http.Server{
		Addr: conf.listenAddress,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			local := ctrl.GetLocalNodeState()
			resp := StatusResponse{
				NodeID:    local.NodeID,
				Hostname:  local.Hostname,
				LogPort:   local.LogPort,
				IsMaster:  el.IsMaster(),
				NewestSTH: local.NewestSTH,
			}

			status := http.StatusOK
			calculated, err := ctrl.GetCalculatedServingSTH()
			if errors.Is(err, ErrNoCalculatedSTH) {
				status = http.StatusServiceUnavailable
			} else {
				resp.CalculatedServingSTH = &calculated
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(resp)
		}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) // graceful shutdown
	}()

	log.Printf("Listening on %s", srv.Addr)
	return srv.ListenAndServe()
}
