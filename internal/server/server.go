// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the dashboard, the OAuth endpoints and the
// viewer WebSocket.
package server

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/matta/inboxwatch/internal/broadcast"
	"github.com/matta/inboxwatch/internal/event"
	"github.com/matta/inboxwatch/internal/logger"
)

//go:embed public
var public embed.FS

// Monitor is the viewer and authorization surface, normally
// *monitor.Service.
type Monitor interface {
	Connect(ctx context.Context, v broadcast.Viewer)
	Disconnect(v broadcast.Viewer)
	Handle(ctx context.Context, v broadcast.Viewer, cmd event.Command)
	Authenticate(ctx context.Context) (bool, error)
	CompleteAuth(ctx context.Context, code string) error
}

// ConsentURLer builds the Google consent page URL, normally
// *auth.Store.
type ConsentURLer interface {
	AuthURL() (string, error)
}

type Config struct {
	Port            string
	ViewerQueueSize int
}

type Server struct {
	cfg      Config
	monitor  Monitor
	consent  ConsentURLer
	log      logger.Logger
	router   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*wsViewer]struct{}
}

func New(cfg Config, m Monitor, c ConsentURLer, log logger.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		monitor: m,
		consent: c,
		log:     log,
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		viewers: make(map[*wsViewer]struct{}),
	}
	s.http = &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.http.RegisterOnShutdown(s.closeViewers)
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	static, err := fs.Sub(public, "public")
	if err != nil {
		panic(err)
	}
	s.router.GET("/", func(c *gin.Context) {
		c.FileFromFS("/", http.FS(static))
	})
	s.router.StaticFS("/static", http.FS(static))

	s.router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	s.router.GET("/login", s.handleLogin)
	s.router.GET("/auth", s.handleAuth)
	s.router.GET("/oauth2callback", s.handleCallback)
	s.router.GET("/ws", s.handleWS)
}

func (s *Server) handleLogin(c *gin.Context) {
	url, err := s.consent.AuthURL()
	if err != nil {
		s.log.Warnf("login without usable credentials: %v", err)
		c.String(http.StatusInternalServerError, "No credentials found: %v", err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (s *Server) handleAuth(c *gin.Context) {
	ok, err := s.monitor.Authenticate(c.Request.Context())
	switch {
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
	case ok:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already authenticated"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Authorization required"})
	}
}

func (s *Server) handleCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "No code provided")
		return
	}
	if err := s.monitor.CompleteAuth(c.Request.Context(), code); err != nil {
		s.log.Errorf("error during authentication: %v", err)
		c.String(http.StatusInternalServerError, "Error during authentication: %v", err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(callbackPage))
}

const callbackPage = `<!DOCTYPE html>
<html>
  <head>
    <title>inboxwatch</title>
    <link rel="stylesheet" href="/static/style.css">
  </head>
  <body class="centered">
    <div>
      <h1>Authentication successful</h1>
      <p>You can close this window and return to the dashboard.</p>
      <script>setTimeout(() => window.close(), 2000);</script>
    </div>
  </body>
</html>
`

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied.
		s.log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	v := newViewer(conn, s.cfg.ViewerQueueSize, s.log)
	s.track(v, true)
	defer s.track(v, false)

	go v.writePump()
	ctx := c.Request.Context()
	s.monitor.Connect(ctx, v)
	v.readPump(func(cmd event.Command) {
		s.monitor.Handle(ctx, v, cmd)
	})
	s.monitor.Disconnect(v)
	v.close()
}

func (s *Server) track(v *wsViewer, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.viewers[v] = struct{}{}
	} else {
		delete(s.viewers, v)
	}
}

func (s *Server) closeViewers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.viewers {
		v.close()
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		s.log.Infof("starting HTTP server on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down HTTP server")
	case err := <-serverErr:
		return errors.Wrap(err, "server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown error")
	}
	return nil
}
