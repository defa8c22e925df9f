package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const defaultFlushInterval = 50 * time.Millisecond

// Bridge pumps one gorilla connection through the service: inbound frames
// become ReceiveMessage calls, queued outbound messages are flushed to the
// socket, and socket closure tears the registration down.
type Bridge struct {
	service       *Service
	conn          *websocket.Conn
	name          string
	flushInterval time.Duration
}

func NewBridge(service *Service, conn *websocket.Conn, name string) *Bridge {
	return &Bridge{
		service:       service,
		conn:          conn,
		name:          name,
		flushInterval: defaultFlushInterval,
	}
}

// Run blocks until the socket closes or ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	id := b.service.RegisterConnection(ctx, b.name)
	if err := b.service.SetConnectionState(id, StateOpen); err != nil {
		return err
	}

	writerDone := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(b.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// unblocks the read loop
				b.conn.Close()
				return
			case <-readerDone:
				return
			case <-ticker.C:
				for _, payload := range b.service.PendingMessages(id) {
					if err := b.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
						return
					}
				}
			}
		}
	}()

	var readErr error
	func() {
		defer close(readerDone)
		for {
			kind, data, err := b.conn.ReadMessage()
			if err != nil {
				readErr = err
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			if err := b.service.ReceiveMessage(ctx, id, string(data)); err != nil {
				readErr = err
				return
			}
		}
	}()

	<-writerDone
	b.conn.Close()

	code := websocket.CloseAbnormalClosure
	reason := ""
	var closeErr *websocket.CloseError
	switch {
	case errors.As(readErr, &closeErr):
		code = closeErr.Code
		reason = closeErr.Text
		readErr = nil
	case readErr != nil:
		b.service.ReportError(ctx, id, readErr)
	}
	b.service.RemoveConnection(ctx, id, code, reason)
	return readErr
}
