package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/whiteboard-sync/pkg/client"
	"github.com/astromechza/whiteboard-sync/pkg/config"
	"github.com/astromechza/whiteboard-sync/pkg/interaction"
	"github.com/astromechza/whiteboard-sync/pkg/presence"
	"github.com/astromechza/whiteboard-sync/pkg/storage"
	"github.com/astromechza/whiteboard-sync/pkg/transport"
)

var errDisconnected = errors.New("disconnected from room")

var (
	palette   = []string{"#ff6b6b", "#4ecdc4", "#ffe66d", "#1a535c", "#f7fff7"}
	reactions = []string{"👍", "🔥", "😍", "👀", "😱", "🙁"}
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.ParseClient(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	baseUrl, err := url.Parse("ws://" + cfg.Addr)
	if err != nil {
		return err
	}
	b := &bot{cfg: cfg, syncUrl: baseUrl.JoinPath("rooms", cfg.Room, "sync")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.connectAndSyncContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	return nil
}

// bot joins a room and scribbles on it until stopped, reconnecting with a fresh replica whenever the connection
// drops.
type bot struct {
	cfg     config.Client
	syncUrl *url.URL
}

func (b *bot) connectAndSyncContinuously(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		err := b.connectAndSync(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		slog.Warn("failed to sync, retrying", "err", err, "wait", wait)
	})
	if err != nil {
		slog.Error("giving up on sync", "err", err)
	}
	slog.Info("stopping scheduled sync")
}

func (b *bot) newReplica() *client.Replica {
	return client.New(client.Options{
		HistoryLimit:     b.cfg.HistoryLimit,
		ReactionWindow:   b.cfg.ReactionWindow,
		EvictInterval:    b.cfg.EvictInterval,
		ReactionInterval: b.cfg.ReactionInterval,
	})
}

func (b *bot) connectAndSync(ctx context.Context, bo backoff.BackOff) error {
	rep := b.newReplica()
	color := b.cfg.Color
	if err := rep.Join(presence.Presence{CursorColor: &color}); err != nil {
		return err
	}
	conn, err := transport.Dial(ctx, b.syncUrl.String())
	if err != nil {
		return err
	}
	bo.Reset()
	slog.Info("connected", "url", b.syncUrl.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := transport.Run(gctx, conn, rep)
		switch {
		case errors.Is(err, transport.ErrConnectionClosed):
			return errDisconnected
		case err != nil:
			return fmt.Errorf("failed to sync: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rep.Run(gctx)
		return nil
	})
	g.Go(func() error {
		b.scribbleContinuously(gctx, rep)
		return nil
	})
	err = g.Wait()
	slog.Info("finished sync", "conn", rep.ConnectionID(), "shapes", rep.Shapes().Len(), "peers", rep.Presences().Len()-1)
	return err
}

func (b *bot) scribbleContinuously(ctx context.Context, rep *client.Replica) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if rep.ConnectionID() == "" {
				continue
			}
			if err := b.scribble(ctx, rep); err != nil {
				slog.Warn("failed to edit board", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

func randomPoint() presence.Point {
	return presence.Point{X: rand.Float64() * 1000, Y: rand.Float64() * 800}
}

// scribble performs one random user action.
func (b *bot) scribble(ctx context.Context, rep *client.Replica) error {
	m := rep.Machine()
	switch rand.Intn(7) {
	case 0, 1:
		p := randomPoint()
		m.PointerMove(p)
		slog.Debug("moved cursor", "x", p.X, "y", p.Y)
	case 2:
		p := randomPoint()
		rec := storage.Record{
			Type:     "rectangle",
			Geometry: map[string]float64{"x": p.X, "y": p.Y, "width": 40 + rand.Float64()*100, "height": 40 + rand.Float64()*100},
			Style:    map[string]string{storage.StyleFill: palette[rand.Intn(len(palette))], storage.StyleStroke: "#000000"},
		}
		if err := rep.CreateShape(rec); err != nil {
			return err
		}
		slog.Info("created shape", "shapes", rep.Shapes().Len())
	case 3:
		ids := rep.Shapes().IDs()
		if len(ids) == 0 {
			return nil
		}
		id := ids[rand.Intn(len(ids))]
		if err := rep.ModifyShape(id, storage.StyleFill, palette[rand.Intn(len(palette))]); err != nil {
			return err
		}
		slog.Info("recolored shape", "shape", id)
	case 4:
		if rep.History().CanUndo() {
			m.ContextMenu(interaction.ActionUndo)
			slog.Info("undid edit")
		}
	case 5:
		m.KeyUp(interaction.KeyChat)
		m.ChatInput(fmt.Sprintf("hello from %s", rep.ConnectionID()[:8]))
		m.KeyUp(interaction.KeyEnter)
		slog.Info("chatted")
	case 6:
		if m.State().Mode == interaction.Chat {
			m.KeyUp(interaction.KeyEscape)
		}
		m.PointerMove(randomPoint())
		m.KeyUp(interaction.KeyReactions)
		m.SelectReaction(reactions[rand.Intn(len(reactions))])
		m.PointerDown(randomPoint())
		select {
		case <-time.After(b.cfg.ReactionInterval * 5):
		case <-ctx.Done():
		}
		m.PointerUp()
		m.KeyUp(interaction.KeyEscape)
		slog.Info("reacted", "showing", len(rep.Reactions().List()))
	}
	return nil
}
