// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	// shutdownTimeout is the grace period for in-flight HTTP requests.
	shutdownTimeout = 5 * time.Second
)

// Server is an HTTP server with a chi router, restartable on a new address.
type Server struct {
	sync.Mutex
	router chi.Router
	server *http.Server
	addr   string
	done   chan struct{}
}

// NewServer creates a new HTTP server with an empty router.
func NewServer() *Server {
	return &Server{
		router: chi.NewRouter(),
	}
}

// Router returns the router of the server for registering handlers.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start starts serving on the given address. An empty address is a no-op.
func (s *Server) Start(addr string) error {
	s.Lock()
	defer s.Unlock()

	if addr == "" {
		log.Info("HTTP server disabled, no endpoint set")
		return nil
	}
	if s.server != nil {
		return fmt.Errorf("HTTP server already running on %s", s.addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr().String()
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, s.done)

	log.Info("HTTP server listening on %s", s.addr)

	return nil
}

// Address returns the address the server is listening on.
func (s *Server) Address() string {
	s.Lock()
	defer s.Unlock()
	return s.addr
}

// Stop stops the server, waiting for in-flight requests to finish.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown: %v", err)
	}
	<-s.done

	s.server = nil
	s.addr = ""
}
