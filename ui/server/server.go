// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	taskqueue "github.com/Abhay27273/Software-Developer-AgenticAI-sub001"
)

const (
	defaultListLimit  = 100
	defaultClearAfter = 24 * time.Hour
	writeWait         = 10 * time.Second
)

// Server is a simple web server for operators of a queue. It serves a
// JSON API and streams queue events via WebSocket.
type Server struct {
	logger   log.Logger
	q        *taskqueue.Queue
	interval time.Duration
	upgrader websocket.Upgrader
}

// New initializes a new Server. Statistics are pushed to WebSocket
// clients every interval.
func New(logger log.Logger, q *taskqueue.Queue, interval time.Duration) *Server {
	return &Server{
		logger:   logger,
		q:        q,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the routes of the server.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/size", srv.getSize)
		r.Get("/stats", srv.getStats)
		r.Get("/tasks", srv.listTasks)
		r.Get("/tasks/{id}", srv.getTask)
		r.Post("/tasks/{id}/retry", srv.retryTask)
		r.Post("/requeue-processing", srv.requeueProcessing)
		r.Delete("/completed", srv.clearCompleted)
	})
	r.Get("/ws", srv.watch)
	return r
}

// Serve starts the web server at the given address and blocks until ctx
// is canceled or the server fails.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func (srv *Server) getSize(w http.ResponseWriter, r *http.Request) {
	size, err := srv.q.GetQueueSize(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, size)
}

func (srv *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.q.GetStatistics(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	state := taskqueue.StatePending
	if s := r.URL.Query().Get("state"); s != "" {
		var err error
		if state, err = taskqueue.ParseState(s); err != nil {
			srv.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			srv.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	tasks, err := srv.q.ListTasks(r.Context(), state, limit)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, tasksResponse{State: state, Tasks: tasks})
}

func (srv *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := srv.q.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, task)
}

func (srv *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := srv.q.RetryDeadLetterTask(r.Context(), id); err != nil {
		srv.writeError(w, r, err)
		return
	}
	level.Info(srv.logger).Log("msg", "dead-lettered task retried by operator", "task_id", id)
	task, err := srv.q.GetTask(r.Context(), id)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, task)
}

func (srv *Server) requeueProcessing(w http.ResponseWriter, r *http.Request) {
	n, err := srv.q.RequeueProcessing(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (srv *Server) clearCompleted(w http.ResponseWriter, r *http.Request) {
	olderThan := defaultClearAfter
	if s := r.URL.Query().Get("older_than"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			srv.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "older_than must be a non-negative duration"})
			return
		}
		olderThan = d
	}
	n, err := srv.q.ClearCompleted(r.Context(), olderThan)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// watch streams queue events to a WebSocket client until it disconnects.
func (srv *Server) watch(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(srv.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read and discard client messages to notice when the client goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	level.Debug(srv.logger).Log("msg", "websocket client connected", "remote", r.RemoteAddr)
	for e := range srv.q.Watch(ctx, srv.interval) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			level.Debug(srv.logger).Log("msg", "websocket client disconnected", "remote", r.RemoteAddr, "err", err)
			cancel()
			// Drain until the watch channel is closed
			continue
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type countResponse struct {
	Count int `json:"count"`
}

type tasksResponse struct {
	State taskqueue.State         `json:"state"`
	Tasks []*taskqueue.TaskRecord `json:"tasks"`
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(srv.logger).Log("msg", "writing response failed", "err", err)
	}
}

// writeError maps queue errors to HTTP status codes.
func (srv *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskqueue.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, taskqueue.ErrNotDeadLetter):
		status = http.StatusConflict
	case errors.Is(err, taskqueue.ErrConnection):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		level.Error(srv.logger).Log("msg", "request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	srv.writeJSON(w, status, errorResponse{Error: err.Error()})
}
