// Package transport carries protocol frames over a websocket, on both the room side and the client side.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/whiteboard-sync/pkg/client"
	"github.com/astromechza/whiteboard-sync/pkg/protocol"
	"github.com/astromechza/whiteboard-sync/pkg/room"
)

const (
	joinWait  = 10 * time.Second
	writeWait = 10 * time.Second
)

var (
	// ErrJoinRequired is returned when the first frame from a client is not a join.
	ErrJoinRequired = errors.New("first frame must be a join")
	// ErrConnectionClosed is returned by Run when the room side closes the connection.
	ErrConnectionClosed = errors.New("connection closed by room")
)

func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Serve runs one client connection against roomID until either side goes away. The first frame must be a join;
// after that the room's welcome and live changes are written out while client frames are handed to the session.
func Serve(ctx context.Context, conn *websocket.Conn, m *room.Manager, roomID string) error {
	defer conn.Close()
	logger := slog.Default().With("room", roomID, "remote", conn.RemoteAddr().String())

	_ = conn.SetReadDeadline(time.Now().Add(joinWait))
	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		return fmt.Errorf("failed to read join: %w", err)
	}
	join, err := protocol.Decode[protocol.Join](first, protocol.TypeJoin)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinRequired, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sess, err := m.Join(ctx, roomID, join.Presence)
	if err != nil {
		return err
	}
	defer sess.Leave()
	logger = logger.With("conn", sess.ID)
	logger.Info("syncing")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer sess.Leave()
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				if isClosed(err) {
					return nil
				}
				return fmt.Errorf("failed to read message: %w", err)
			}
			if err := sess.Handle(gctx, env); err != nil {
				if errors.Is(err, room.ErrGone) {
					return nil
				}
				logger.Debug("ignored frame", "type", env.Type, "err", err)
			}
		}
	})
	g.Go(func() error {
		defer conn.Close()
		for {
			select {
			case env, ok := <-sess.Outbox():
				if !ok {
					_ = conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "left room"),
						time.Now().Add(writeWait),
					)
					return nil
				}
				if err := writeFrame(conn, env); err != nil {
					return err
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	err = g.Wait()
	logger.Info("finished sync")
	return err
}

// Dial opens a websocket to a room's sync endpoint.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return conn, nil
}

// Run pumps frames between conn and rep until ctx is done or the connection ends. It returns nil only when ctx
// was cancelled; a close from the room side returns ErrConnectionClosed so the caller can rejoin.
func Run(ctx context.Context, conn *websocket.Conn, rep *client.Replica) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if isClosed(err) {
					return ErrConnectionClosed
				}
				return fmt.Errorf("failed to read message: %w", err)
			}
			if err := rep.Handle(env); err != nil {
				slog.Warn("ignored frame", "type", env.Type, "err", err)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case env := <-rep.Outbox():
				if err := writeFrame(conn, env); err != nil {
					return err
				}
			case <-gctx.Done():
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait),
				)
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	return g.Wait()
}

func writeFrame(conn *websocket.Conn, env protocol.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed)
}
