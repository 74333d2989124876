package pkg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/nomad-sync/pkg/nomad"
)

// Handler answers one reconciliation batch.
type Handler func(ctx context.Context, req nomad.Request) (nomad.Reply, error)

const writeWait = 10 * time.Second

func readRequest(conn *websocket.Conn) (nomad.Request, error) {
	var req nomad.Request
	if err := conn.ReadJSON(&req); err != nil {
		return req, fmt.Errorf("failed to read request: %w", err)
	}
	return req, nil
}

func isClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway)
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Serve answers every request frame on conn with a reply frame until the
// peer disconnects or ctx ends. A clean close by the peer is not an error.
func Serve(ctx context.Context, conn *websocket.Conn, handle Handler) error {
	slog.Info("serving sync session", "remote", conn.RemoteAddr())

	wg := new(sync.WaitGroup)
	done := make(chan struct{})
	defer wg.Wait()
	defer close(done)

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		req, err := readRequest(conn)
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		reply, err := handle(ctx, req)
		if err != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
				time.Now().Add(writeWait),
			)
			return fmt.Errorf("failed to handle request: %w", err)
		}
		if err := writeJSON(conn, reply); err != nil {
			return err
		}
	}
}

// Exchange sends req over conn and waits for the matching reply. Calls
// must not overlap on the same connection.
func Exchange(ctx context.Context, conn *websocket.Conn, req nomad.Request) (nomad.Reply, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	if err := writeJSON(conn, req); err != nil {
		return nomad.Reply{}, err
	}
	var reply nomad.Reply
	if err := conn.ReadJSON(&reply); err != nil {
		return reply, fmt.Errorf("failed to read reply: %w", err)
	}
	return reply, nil
}

// Close says goodbye to the peer before dropping the connection.
func Close(conn *websocket.Conn) error {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return conn.Close()
}
