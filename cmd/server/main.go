package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/whiteboard-sync/pkg/config"
	"github.com/astromechza/whiteboard-sync/pkg/journal"
	"github.com/astromechza/whiteboard-sync/pkg/relay"
	"github.com/astromechza/whiteboard-sync/pkg/room"
	"github.com/astromechza/whiteboard-sync/pkg/transport"
	"github.com/astromechza/whiteboard-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.ParseServer(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := room.Options{OutboxSize: cfg.OutboxSize, Journal: cfg.Journal}
	if cfg.RedisAddr != "" {
		bridge, err := relay.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer bridge.Close()
		opts.Relay = bridge
		slog.Info("relaying events through redis", "addr", cfg.RedisAddr, "node", bridge.NodeID())
	}

	s := &server{manager: room.NewManager(opts), upgrader: transport.NewUpgrader()}
	httpServer := &http.Server{Addr: cfg.Addr, Handler: s.router()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	if cfg.DumpDir != "" {
		s.dump(cfg.DumpDir)
	}
	cancel()
	s.manager.Close()
	_ = httpServer.Close()
	wg.Wait()
	return nil
}

type server struct {
	manager  *room.Manager
	upgrader *websocket.Upgrader
}

func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	r.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(s.getRoom)
	r.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(s.syncRoom)
	return r
}

func (s *server) listRooms(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(s.manager.Rooms()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) getRoom(writer http.ResponseWriter, request *http.Request) {
	raw, ok := s.manager.Journal(mux.Vars(request)["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) syncRoom(writer http.ResponseWriter, request *http.Request) {
	roomID := mux.Vars(request)["room"]
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	if err := transport.Serve(request.Context(), conn, s.manager, roomID); err != nil {
		slog.Error("failed to sync", "room", roomID, "err", err)
	}
}

// dump writes every live room's journal and its change graph into dir.
func (s *server) dump(dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create dump dir", "dir", dir, "err", err)
		return
	}
	for _, info := range s.manager.Rooms() {
		raw, ok := s.manager.Journal(info.ID)
		if !ok {
			continue
		}
		if err := dumpRoom(dir, info.ID, raw); err != nil {
			slog.Error("failed to dump", "room", info.ID, "err", err)
		}
	}
}

func dumpRoom(dir, roomID string, raw []byte) error {
	tf := filepath.Join(dir, roomID+".automerge")
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	slog.Info("dumped", "room", roomID, "path", tf)

	doc, err := journal.Load(raw)
	if err != nil {
		return err
	}
	svgPath := filepath.Join(dir, roomID+".svg")
	if err := viz.RenderToFile(doc, svgPath); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	slog.Info("rendered", "room", roomID, "path", "file://"+svgPath)
	return nil
}
