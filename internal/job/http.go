package job

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shardrun/internal/sched"
)

// Handler serves the HTTP demo: requests are turned into tasks submitted
// round robin to the pool's shards, and the handler goroutine waits on
// the task handle.
type Handler struct {
	router *mux.Router
	pool   *sched.Pool
	logger *zap.Logger
	next   atomic.Uint64
}

type sleepResponse struct {
	Shard   int    `json:"shard"`
	Task    uint64 `json:"task"`
	SleptMS int64  `json:"slept_ms"`
}

type shardStats struct {
	Shard int `json:"shard"`
	sched.Stats
}

// NewHandler builds the router. Metrics from g are served on /metrics.
func NewHandler(pool *sched.Pool, g prometheus.Gatherer, logger *zap.Logger) *Handler {
	h := &Handler{
		router: mux.NewRouter(),
		pool:   pool,
		logger: logger,
	}
	h.router.HandleFunc("/sleep/{ms:[0-9]+}", h.handleGetSleep).Methods("GET").Name("GetSleep")
	h.router.HandleFunc("/stats", h.handleGetStats).Methods("GET").Name("GetStats")
	h.router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleGetSleep(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(mux.Vars(r)["ms"], 10, 64)
	if err != nil {
		http.Error(w, "bad duration: "+err.Error(), http.StatusBadRequest)
		return
	}

	shards := h.pool.Shards()
	e := shards[h.next.Add(1)%uint64(len(shards))]
	th, err := e.Submit(0, SleepWork(ms))
	if errors.Is(err, sched.ErrShardShuttingDown) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := th.Wait(r.Context()); err != nil {
		th.Cancel()
		http.Error(w, "task failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, sleepResponse{Shard: int(th.Shard()), Task: uint64(th.ID()), SleptMS: ms})
}

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	out := make([]shardStats, 0, len(h.pool.Shards()))
	for _, e := range h.pool.Shards() {
		out = append(out, shardStats{Shard: int(e.ID()), Stats: e.Stats()})
	}
	h.writeJSON(w, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response", zap.Error(err))
	}
}
