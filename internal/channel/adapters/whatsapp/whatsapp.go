// Package whatsapp connects accounts through a websocket bridge gateway that
// speaks the device protocol on our behalf. One socket per account.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/ratelimit"
	"github.com/replyhub/replyhub/internal/config"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 90 * time.Second
	pingInterval   = 30 * time.Second
	connectTimeout = 20 * time.Second
)

type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame
}

func (s *session) writeFrame(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

func (s *session) await(id string) chan frame {
	ch := make(chan frame, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *session) resolve(id string, f frame) {
	s.pendingMu.Lock()
	ch := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if ch != nil {
		ch <- f
	}
}

func (s *session) drop(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// failPending unblocks all in-flight sends when the socket dies.
func (s *session) failPending(reason string) {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		ch <- frame{Type: frameResult, ID: id, Error: reason}
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

type Adapter struct {
	channel.Hooks

	gatewayURL string
	logger     *slog.Logger
	limiter    *ratelimit.Limiter

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg config.WhatsAppConfig, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		gatewayURL: cfg.GatewayURL,
		logger:     log.With(slog.String("adapter", "whatsapp")),
		limiter: ratelimit.New(ratelimit.Config{
			MinDelay:    time.Duration(cfg.MinSendDelayMs) * time.Millisecond,
			Window:      time.Duration(cfg.WindowSeconds) * time.Second,
			WindowLimit: cfg.WindowLimit,
		}),
		sessions: map[string]*session{},
	}
}

func (a *Adapter) Kind() channel.Kind {
	return channel.KindWhatsApp
}

func (a *Adapter) Connect(ctx context.Context, account channel.Account) error {
	token := account.Credential("session_token")
	if token == "" {
		return fmt.Errorf("%w: session_token", channel.ErrMissingCredentials)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	defer cancelDial()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	if err := a.handshake(conn, token); err != nil {
		conn.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{conn: conn, cancel: cancel, pending: map[string]chan frame{}}

	a.mu.Lock()
	if old := a.sessions[account.ID]; old != nil {
		old.cancel()
		old.conn.Close()
	}
	a.sessions[account.ID] = sess
	a.mu.Unlock()

	a.logger.Info("connected", slog.String("account_id", account.ID))
	go a.readLoop(loopCtx, account.ID, sess)
	go a.keepalive(loopCtx, sess)
	return nil
}

// handshake authenticates the socket and waits for the gateway's ack.
func (a *Adapter) handshake(conn *websocket.Conn, token string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame{Type: frameAuth, Data: marshalData(authData{SessionToken: token})}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read auth ack: %w", err)
	}
	if ack.Type != frameConnected {
		if ack.Error != "" {
			return fmt.Errorf("gateway rejected session: %s", ack.Error)
		}
		return fmt.Errorf("unexpected handshake frame: %s", ack.Type)
	}
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, accountID string) error {
	a.mu.Lock()
	sess := a.sessions[accountID]
	delete(a.sessions, accountID)
	a.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.cancel()
	sess.failPending("session closed")
	sess.writeMu.Lock()
	sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	sess.writeMu.Unlock()
	sess.conn.Close()
	a.logger.Info("disconnected", slog.String("account_id", accountID))
	return nil
}

func (a *Adapter) Connected(accountID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[accountID] != nil
}

func (a *Adapter) readLoop(ctx context.Context, accountID string, sess *session) {
	sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		var f frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("socket read failed",
				slog.String("account_id", accountID), slog.Any("error", err))
			a.teardown(accountID, sess, "socket read failed: "+err.Error())
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		switch f.Type {
		case frameMessage:
			var data messageData
			if err := json.Unmarshal(f.Data, &data); err != nil {
				a.logger.Warn("malformed message frame",
					slog.String("account_id", accountID), slog.Any("error", err))
				continue
			}
			ev, ok := normalizeMessage(accountID, data)
			if !ok {
				continue
			}
			ev.Raw = f.Data
			if err := a.EmitInbound(ctx, ev); err != nil {
				a.logger.Error("handle inbound failed",
					slog.String("account_id", accountID), slog.Any("error", err))
			}
		case frameResult:
			sess.resolve(f.ID, f)
		case frameStatus:
			var data statusData
			if err := json.Unmarshal(f.Data, &data); err != nil {
				continue
			}
			if data.State == "logged_out" {
				a.teardown(accountID, sess, "device logged out")
				return
			}
			a.logger.Debug("bridge status",
				slog.String("account_id", accountID), slog.String("state", data.State))
		}
	}
}

// teardown closes a faulted session and reports the error state.
func (a *Adapter) teardown(accountID string, sess *session, detail string) {
	a.mu.Lock()
	if a.sessions[accountID] == sess {
		delete(a.sessions, accountID)
	}
	a.mu.Unlock()
	sess.cancel()
	sess.failPending(detail)
	sess.conn.Close()
	a.EmitStatus(channel.StatusEvent{
		AccountID: accountID,
		Kind:      channel.KindWhatsApp,
		Status:    channel.StatusError,
		Detail:    detail,
	})
}

func (a *Adapter) keepalive(ctx context.Context, sess *session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.writeMu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			sess.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *Adapter) Send(ctx context.Context, accountID, recipientID string, payload channel.OutboundPayload, opts channel.SendOptions) (channel.SendResult, error) {
	a.mu.Lock()
	sess := a.sessions[accountID]
	a.mu.Unlock()
	if sess == nil {
		return channel.SendResult{}, channel.ErrNotConnected
	}
	if err := a.limiter.Wait(ctx, accountID, recipientID); err != nil {
		return channel.SendResult{}, err
	}

	id := uuid.NewString()
	reply := sess.await(id)
	err := sess.writeFrame(frame{
		Type: frameSend,
		ID:   id,
		Data: marshalData(buildSendData(recipientID, payload, opts)),
	})
	if err != nil {
		sess.drop(id)
		return channel.SendResult{}, fmt.Errorf("write send frame: %w", err)
	}

	select {
	case <-ctx.Done():
		sess.drop(id)
		return channel.SendResult{}, ctx.Err()
	case f := <-reply:
		if f.Error != "" {
			return channel.SendResult{}, errors.New(f.Error)
		}
		var data resultData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return channel.SendResult{}, fmt.Errorf("decode send result: %w", err)
		}
		return channel.SendResult{MessageID: data.MessageID}, nil
	}
}
