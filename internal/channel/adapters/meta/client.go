package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/replyhub/replyhub/internal/channel"
)

// graphClient is a thin Graph API client shared by the Messenger and
// Instagram surfaces. Calls are paced with a token bucket so a burst of
// operator sends cannot trip platform limits.
type graphClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func newGraphClient(baseURL string, requestsPerSecond float64) *graphClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &graphClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message       json.RawMessage `json:"message"`
	MessagingType string          `json:"messaging_type"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// sendMessage posts one message to a PSID and returns the platform message id.
func (c *graphClient) sendMessage(ctx context.Context, pageToken, recipientID string, payload channel.OutboundPayload) (string, error) {
	message, err := buildMessageBody(payload)
	if err != nil {
		return "", err
	}
	req := sendRequest{Message: message, MessagingType: "RESPONSE"}
	req.Recipient.ID = recipientID

	var resp sendResponse
	if err := c.post(ctx, "/me/messages", pageToken, req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

type profileResponse struct {
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
}

// fetchProfile reads the public profile fields for a PSID.
func (c *graphClient) fetchProfile(ctx context.Context, pageToken, psid string) (*channel.ContactProfile, error) {
	query := url.Values{}
	query.Set("fields", "name,first_name,last_name,username,profile_pic")
	var resp profileResponse
	if err := c.get(ctx, "/"+url.PathEscape(psid), pageToken, query, &resp); err != nil {
		return nil, err
	}
	name := resp.Name
	if name == "" {
		name = strings.TrimSpace(resp.FirstName + " " + resp.LastName)
	}
	if name == "" {
		name = resp.Username
	}
	return &channel.ContactProfile{
		ExternalID: psid,
		Name:       name,
		AvatarURL:  resp.ProfilePic,
	}, nil
}

type pageInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// verifyToken checks the page token by asking who it belongs to.
func (c *graphClient) verifyToken(ctx context.Context, pageToken string) (pageInfo, error) {
	var info pageInfo
	if err := c.get(ctx, "/me", pageToken, nil, &info); err != nil {
		return pageInfo{}, err
	}
	return info, nil
}

func (c *graphClient) post(ctx context.Context, path, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path+"?access_token="+url.QueryEscape(token), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *graphClient) get(ctx context.Context, path, token string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *graphClient) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read graph response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr graphError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("graph api: %s (code %d)", apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("graph api: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

// buildMessageBody maps the common payload to the Graph message object.
func buildMessageBody(payload channel.OutboundPayload) (json.RawMessage, error) {
	type attachmentPayload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	}
	type attachment struct {
		Type    string            `json:"type"`
		Payload attachmentPayload `json:"payload"`
	}

	switch payload.Content {
	case channel.ContentText, "":
		return json.Marshal(map[string]string{"text": payload.Text})
	case channel.ContentImage, channel.ContentVideo, channel.ContentAudio, channel.ContentDocument, channel.ContentSticker:
		att := attachment{Type: graphAttachmentType(payload.Content)}
		att.Payload.URL = payload.MediaURL
		att.Payload.IsReusable = true
		return json.Marshal(map[string]attachment{"attachment": att})
	default:
		return nil, fmt.Errorf("unsupported content kind: %s", payload.Content)
	}
}

func graphAttachmentType(kind channel.ContentKind) string {
	switch kind {
	case channel.ContentImage, channel.ContentSticker:
		return "image"
	case channel.ContentVideo:
		return "video"
	case channel.ContentAudio:
		return "audio"
	default:
		return "file"
	}
}
