// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var whichNodeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "imesh_scheduler_which_node_total",
	Help: "which_node lookups by outcome.",
}, []string{"outcome"})

// whichNodeResponse is the REST answer for a placement lookup.
type whichNodeResponse struct {
	NodeID  uint32 `json:"node_id"`
	Address string `json:"address"`
}

// runHTTP serves the REST surface consumed by the API tier plus /metrics.
func (s *Scheduler) runHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/which_node/", s.handleWhichNode)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.cfg.HTTPListen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Scheduler) handleWhichNode(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/which_node/")
	user, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		whichNodeLookups.WithLabelValues("bad_request").Inc()
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	info, ok := s.registry.WhichNode(user)
	if !ok {
		whichNodeLookups.WithLabelValues("miss").Inc()
		http.NotFound(w, r)
		return
	}
	whichNodeLookups.WithLabelValues("hit").Inc()
	w.Header().Set("Content-Type", "application/json")
	jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(whichNodeResponse{
		NodeID:  info.ID,
		Address: info.Address,
	})
}
