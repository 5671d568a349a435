package http

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/voicestage/voicestage-server/internal/auth"
	"github.com/voicestage/voicestage-server/internal/core"
	"github.com/voicestage/voicestage-server/internal/proto"
	"github.com/voicestage/voicestage-server/internal/utils"
)

// disconnectTimeout bounds directory cleanup after a connection drops.
const disconnectTimeout = 10 * time.Second

// WSHandler upgrades HTTP connections, authenticates them, and bridges them
// to the stage controller. No inbound event is read before the handshake
// credential has been verified and the user identity bound.
type WSHandler struct {
	svc      *core.Service
	verifier auth.Verifier
	log      *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(svc *core.Service, verifier auth.Verifier, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{svc: svc, verifier: verifier, log: logger}
}

// Handle serves one realtime connection.
func (h *WSHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	token := c.Query("token")
	if token == "" {
		conn.Close(websocket.StatusPolicyViolation, "missing credential")
		return
	}

	userID, err := h.verifier.Verify(ctx, token)
	if err != nil {
		h.log.Warn().Err(err).Msg("credential verification failed")
		conn.Close(websocket.StatusPolicyViolation, "invalid credential")
		return
	}

	client := core.NewClient(utils.NewConnID(), userID)
	h.svc.Hub().Register(client)
	h.log.Info().Str("conn_id", client.ConnID).Str("user_id", userID).Msg("user connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	// Reconcile every room the departed user was joined to.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), disconnectTimeout)
	h.svc.Disconnect(cleanupCtx, client)
	cleanupCancel()

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", client.ConnID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// readLoop processes inbound events one at a time, preserving per-connection
// ordering. Store round trips suspend only this connection.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}
		h.dispatch(ctx, client, inbound)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("conn_id", client.ConnID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
