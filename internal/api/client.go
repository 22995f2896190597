// Package api is a minimal client for the chat backend's room endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsec/internal/models"
	"chatsec/internal/utils"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = utils.NewError("api: not found")
	ErrUnauthorized = utils.NewError("api: unauthorized")
	ErrServer       = utils.NewError("api: server error")
)

const (
	roomByIDPath     = "/api/v2/mobile/get_room_by_id"
	roomByTargetPath = "/api/v2/mobile/get_or_create_room_with_target"
	noticeKeyPath    = "/api/v2/mobile/e2ee/keys"
)

type Config struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	AppID   string        `yaml:"app_id" env:"APP_ID"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Client resolves rooms against the remote backend. Tokens are read from
// the account on every request so a re-login takes effect immediately.
type Client struct {
	base    *url.URL
	appID   string
	http    *http.Client
	account func() models.Account
	log     zerolog.Logger
}

func NewClient(cfg Config, account func() models.Account, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, utils.ErrInvalidConfig.WithDetails(fmt.Sprintf("api base url %q", cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:    base,
		appID:   cfg.AppID,
		http:    &http.Client{Timeout: timeout},
		account: account,
		log:     log.With().Str("component", "api").Logger(),
	}, nil
}

type roomEnvelope struct {
	Results struct {
		Room models.ChatRoom `json:"room"`
	} `json:"results"`
}

// ChatRoom fetches a room by id.
func (c *Client) ChatRoom(ctx context.Context, roomID int64) (*models.ChatRoom, error) {
	q := url.Values{"id": {strconv.FormatInt(roomID, 10)}}
	req, err := c.newRequest(ctx, http.MethodGet, roomByIDPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.doRoom(req)
}

// ChatRoomWithTarget returns the one-to-one room with email, creating it
// on the server if needed.
func (c *Client) ChatRoomWithTarget(ctx context.Context, email string) (*models.ChatRoom, error) {
	body, err := json.Marshal(map[string]any{"emails": []string{email}})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, roomByTargetPath, body)
	if err != nil {
		return nil, err
	}
	return c.doRoom(req)
}

// RegisterNoticeKey publishes the device's notice public key so other
// members can seal sender keys to it. Rooms returned afterwards carry the
// key on this account's member entry.
func (c *Client) RegisterNoticeKey(ctx context.Context, pub []byte) error {
	if len(pub) == 0 {
		return utils.ErrInvalidConfig.WithDetails("empty notice key")
	}
	body, err := json.Marshal(map[string]string{"kem_public_key": base64.StdEncoding.EncodeToString(pub)})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, noticeKeyPath, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	c.log.Debug().Int("size", len(pub)).Msg("notice key registered")
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("QISCUS-SDK-APP-ID", c.appID)
	if acc := c.account(); acc.Token != "" {
		req.Header.Set("QISCUS-SDK-TOKEN", acc.Token)
	}
	return req, nil
}

func (c *Client) doRoom(req *http.Request) (*models.ChatRoom, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		c.log.Debug().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("room request failed")
		return nil, err
	}
	var env roomEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode room response: %w", err)
	}
	if env.Results.Room.ID == 0 {
		return nil, ErrNotFound.WithDetails("empty room in response")
	}
	return &env.Results.Room, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound.WithDetails(resp.Request.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized.WithDetails(resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ErrServer.WithDetails(fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(msg)))
	}
	return nil
}
