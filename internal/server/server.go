// Package server exposes the agent daemon's HTTP API: session CRUD,
// turn submission, event long-polling, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Warp-Terra/repo-agent/internal/agent"
)

// Config carries the daemon's listen address and auth settings.
type Config struct {
	Host      string
	Port      int
	Token     string
	MaxEvents int
}

// Server wires the session manager to HTTP handlers.
type Server struct {
	cfg        Config
	manager    *agent.Manager
	logger     *log.Logger
	instanceID string

	httpServer   *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
}

func New(cfg Config, manager *agent.Manager) *Server {
	return &Server{
		cfg:        cfg,
		manager:    manager,
		logger:     log.New(os.Stderr, "[agentd] ", log.LstdFlags),
		instanceID: ulid.Make().String(),
	}
}

// Handler builds the route table wrapped in auth and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleClearSession)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancelSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleGetEvents)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("未找到路径：%s", r.URL.Path))
	})

	return s.withRecovery(s.withAuth(mux))
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("启动服务失败：%w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Printf("Agent 服务已启动：http://%s (instance %s)", ln.Addr(), s.instanceID)
	if s.cfg.Token != "" {
		s.logger.Printf("已启用 token 鉴权（请求头：X-Agent-Token）。")
	}

	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, waits for in-flight handlers, and
// stops every session worker. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.logger.Printf("正在停止 Agent 服务...")
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Printf("shutdown: %v", err)
			}
		}
		s.manager.StopAll()
		s.logger.Printf("Agent 服务已停止。")
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("X-Agent-Token") != s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "认证失败：X-Agent-Token 无效。")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("内部错误：%v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
