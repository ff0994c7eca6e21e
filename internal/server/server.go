// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/postmarketOS/gnss_control/internal/config"
	"gitlab.com/postmarketOS/gnss_control/internal/control"
	"gitlab.com/postmarketOS/gnss_control/internal/coord"
)

const (
	APIVersion = "v1"

	writeWait = 10 * time.Second
	// maxConfigSize bounds the body of an init request
	maxConfigSize = 1 << 16
)

// Controller runs the control operations requested by clients.
type Controller interface {
	Reinitialize(ctx context.Context, proposed *config.Device) control.Summary
	StreamTelemetry(ctx context.Context, patterns []string, send func(control.Telemetry) error) error
	Status() control.ServiceStatus
}

type Server struct {
	socket    string
	sockGroup string
	listen    string
	ctrl      Controller
	log       *slog.Logger
	http      *http.Server
	upgrader  websocket.Upgrader
}

// Create a new Server. If listen is set the server accepts TCP connections
// on that address, otherwise it listens on the unix socket, which is made
// accessible to sockGroup.
func New(socket string, sockGroup string, listen string, ctrl Controller, log *slog.Logger) (s *Server) {
	s = &Server{
		socket:    socket,
		sockGroup: sockGroup,
		listen:    listen,
		ctrl:      ctrl,
		log:       log.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+APIVersion+"/init", s.handleInit)
	mux.HandleFunc("/"+APIVersion+"/stream", s.handleStream)
	mux.HandleFunc("/"+APIVersion+"/status", s.handleStatus)

	// No read or write timeouts: they would also apply to the hijacked
	// connections of streaming sessions.
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start() (err error) {
	l, err := s.listener()
	if err != nil {
		return fmt.Errorf("server.Start(): %w", err)
	}

	s.log.Info("accepting connections", "addr", l.Addr().String())
	if err = s.http.Serve(l); errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) listener() (net.Listener, error) {
	if s.listen != "" {
		return net.Listen("tcp", s.listen)
	}

	if err := os.RemoveAll(s.socket); err != nil {
		return nil, err
	}

	sock, err := net.Listen("unix", s.socket)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(s.socket, 0660); err != nil {
		sock.Close()
		return nil, err
	}

	if s.sockGroup == "" {
		return sock, nil
	}

	group, err := user.LookupGroup(s.sockGroup)
	if err != nil {
		sock.Close()
		return nil, err
	}

	gid, err := strconv.ParseInt(group.Gid, 10, 32)
	if err != nil {
		sock.Close()
		return nil, err
	}

	if err := os.Chown(s.socket, -1, int(gid)); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("use POST"))
		return
	}

	var d config.Device
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid device configuration: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, s.ctrl.Reinitialize(r.Context(), &d))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("use GET"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleStream upgrades to a websocket and sends one JSON text message per
// telemetry frame. The session ends when the client closes the websocket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	patterns := r.URL.Query()["pattern"]
	// malformed patterns are rejected before the upgrade so the client
	// gets a plain HTTP error
	if _, err := control.CompileFilter(patterns); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Routine reading the client side, only to notice when it goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.ctrl.StreamTelemetry(ctx, patterns, func(t control.Telemetry) error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(t)
	})

	code, reason := websocket.CloseNormalClosure, ""
	switch {
	case err == nil:
	case errors.Is(err, coord.ErrLockTimeout), errors.Is(err, coord.ErrNoSlotAvailable):
		code, reason = websocket.CloseTryAgainLater, err.Error()
	case errors.Is(err, control.ErrNotInitialized):
		code, reason = websocket.ClosePolicyViolation, err.Error()
	default:
		s.log.Info("stream ended with error", "err", err)
		code, reason = websocket.CloseInternalServerErr, err.Error()
	}
	if len(reason) > 120 {
		reason = reason[:120]
	}
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
