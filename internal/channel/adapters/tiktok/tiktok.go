// Package tiktok connects shop accounts to the commerce chat API. Inbound
// messages arrive as webhook pushes; sends go through the REST API with
// signed requests.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/ratelimit"
	"github.com/replyhub/replyhub/internal/channel/signature"
	"github.com/replyhub/replyhub/internal/config"
)

const sendPath = "/api/im/v1/messages"

type session struct {
	shopID      string
	appKey      string
	appSecret   string
	accessToken string
}

type Adapter struct {
	channel.Hooks

	baseURL  string
	http     *http.Client
	apiRate  *rate.Limiter
	limiter  *ratelimit.Limiter
	verifier signature.Verifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg config.TikTokConfig, devMode bool, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Adapter{
		baseURL: cfg.APIBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		apiRate: rate.NewLimiter(rate.Limit(rps), 1),
		limiter: ratelimit.New(ratelimit.Config{
			MinDelay: time.Duration(cfg.MinSendDelayMs) * time.Millisecond,
		}),
		verifier: signature.Verifier{AllowMissing: devMode},
		logger:   log.With(slog.String("adapter", "tiktok")),
		sessions: map[string]*session{},
	}
}

func (a *Adapter) Kind() channel.Kind {
	return channel.KindTikTok
}

// Connect stores the shop credentials. Like the other webhook surfaces there
// is no persistent socket to hold open.
func (a *Adapter) Connect(ctx context.Context, account channel.Account) error {
	sess := &session{}
	for key, dst := range map[string]*string{
		"shop_id":      &sess.shopID,
		"app_key":      &sess.appKey,
		"app_secret":   &sess.appSecret,
		"access_token": &sess.accessToken,
	} {
		value := account.Credential(key)
		if value == "" {
			return fmt.Errorf("%w: %s", channel.ErrMissingCredentials, key)
		}
		*dst = value
	}

	a.mu.Lock()
	a.sessions[account.ID] = sess
	a.mu.Unlock()

	a.logger.Info("connected", slog.String("account_id", account.ID),
		slog.String("shop_id", sess.shopID))
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, accountID string) error {
	a.mu.Lock()
	delete(a.sessions, accountID)
	a.mu.Unlock()
	a.logger.Info("disconnected", slog.String("account_id", accountID))
	return nil
}

func (a *Adapter) Connected(accountID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[accountID] != nil
}

type sendBody struct {
	ConversationID string `json:"conversation_id"`
	MessageType    string `json:"message_type"`
	Content        string `json:"content"`
}

type sendResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}

func (a *Adapter) Send(ctx context.Context, accountID, recipientID string, payload channel.OutboundPayload, opts channel.SendOptions) (channel.SendResult, error) {
	sess := a.session(accountID)
	if sess == nil {
		return channel.SendResult{}, channel.ErrNotConnected
	}
	if err := a.limiter.Wait(ctx, accountID, recipientID); err != nil {
		return channel.SendResult{}, err
	}

	messageType, content, err := buildContent(payload)
	if err != nil {
		return channel.SendResult{}, err
	}
	raw, err := json.Marshal(sendBody{
		ConversationID: recipientID,
		MessageType:    messageType,
		Content:        content,
	})
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("encode send body: %w", err)
	}

	query := url.Values{}
	query.Set("app_key", sess.appKey)
	query.Set("shop_id", sess.shopID)
	query.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	query.Set("sign", signRequest(sess.appSecret, sendPath, query, raw))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+sendPath+"?"+query.Encode(), bytes.NewReader(raw))
	if err != nil {
		return channel.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-tts-access-token", sess.accessToken)

	if err := a.apiRate.Wait(ctx); err != nil {
		return channel.SendResult{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("shop api request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("read shop api response: %w", err)
	}

	var result sendResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return channel.SendResult{}, fmt.Errorf("decode shop api response: %w", err)
	}
	if resp.StatusCode >= 400 || result.Code != 0 {
		return channel.SendResult{}, fmt.Errorf("shop api: %s (code %d)", result.Message, result.Code)
	}
	return channel.SendResult{MessageID: result.Data.MessageID}, nil
}

// buildContent maps the common payload to the shop chat wire content.
func buildContent(payload channel.OutboundPayload) (string, string, error) {
	switch payload.Content {
	case channel.ContentText, "":
		content, err := json.Marshal(map[string]string{"text": payload.Text})
		return "TEXT", string(content), err
	case channel.ContentImage:
		content, err := json.Marshal(map[string]string{"url": payload.MediaURL})
		return "IMAGE", string(content), err
	default:
		return "", "", fmt.Errorf("unsupported content kind: %s", payload.Content)
	}
}

// VerifyChallenge echoes the registration probe. The platform sends a plain
// challenge parameter with no extra handshake.
func (a *Adapter) VerifyChallenge(accountID string, query url.Values) (string, error) {
	if a.session(accountID) == nil {
		return "", channel.ErrNotConnected
	}
	challenge := query.Get("challenge")
	if challenge == "" {
		return "", fmt.Errorf("missing challenge parameter")
	}
	return challenge, nil
}

// HandleWebhook verifies the push signature and feeds contained messages
// through the inbound handler.
func (a *Adapter) HandleWebhook(ctx context.Context, accountID, sig string, body []byte) error {
	sess := a.session(accountID)
	if sess == nil {
		return channel.ErrNotConnected
	}
	if err := a.verifier.Verify(sess.appSecret, body, sig); err != nil {
		return err
	}
	events, err := parseWebhook(accountID, body)
	if err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	for _, ev := range events {
		if err := a.EmitInbound(ctx, ev); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("account_id", accountID), slog.Any("error", err))
		}
	}
	return nil
}

func (a *Adapter) session(accountID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[accountID]
}
