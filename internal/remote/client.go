package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/store"
	"github.com/bluetail-im/bluetail/internal/sync"
)

// Client talks to the bridge server's REST API and feeds results through
// the sync engine into the local store.
type Client struct {
	baseURL     string
	password    string
	http        *http.Client
	db          *store.DB
	engine      *sync.Engine
	checkpoints *sync.Checkpoints
	logger      *zap.Logger
}

// NewClient creates a new API client.
func NewClient(baseURL, password string, db *store.DB, engine *sync.Engine, checkpoints *sync.Checkpoints, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		password:    password,
		http:        &http.Client{Timeout: 30 * time.Second},
		db:          db,
		engine:      engine,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// SyncQuery bounds a message sync request. Zero values mean unbounded.
type SyncQuery struct {
	Before int64
	After  int64
	Limit  int
}

// SyncMessagesForChat fetches messages for a chat from the server, ingests
// them into the local store, and returns how many the server sent.
func (c *Client) SyncMessagesForChat(ctx context.Context, chatGUID string, q SyncQuery) (int, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	body := map[string]any{
		"chatGuid": chatGUID,
		"limit":    q.Limit,
		"with":     []string{"attachment", "handle"},
		"sort":     "DESC",
	}
	if q.Before > 0 {
		body["before"] = q.Before
	}
	if q.After > 0 {
		body["after"] = q.After
	}

	var resp struct {
		Data []apiMessage `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/message/query", body, &resp); err != nil {
		return 0, fmt.Errorf("query messages for %s: %w", chatGUID, err)
	}

	batch := make([]*store.IncomingMessage, 0, len(resp.Data))
	newest := int64(0)
	for i := range resp.Data {
		in := resp.Data[i].toIncoming(chatGUID)
		if in.Message.DateCreated > newest {
			newest = in.Message.DateCreated
		}
		batch = append(batch, in)
	}
	if err := c.engine.IngestBatch(batch); err != nil {
		return 0, fmt.Errorf("ingest batch: %w", err)
	}
	if newest > 0 && c.checkpoints != nil {
		if err := c.checkpoints.SetLastSync(chatGUID, newest); err != nil && c.logger != nil {
			c.logger.Warn("failed to record sync checkpoint", zap.Error(err), zap.String("chat", chatGUID))
		}
	}
	return len(resp.Data), nil
}

// GetChat returns the server's view of a chat, or nil when the server does
// not know it.
func (c *Client) GetChat(ctx context.Context, chatGUID string) (*store.Chat, error) {
	var resp struct {
		Data *apiChat `json:"data"`
	}
	err := c.get(ctx, "/api/v1/chat/"+url.PathEscape(chatGUID), &resp)
	if err != nil {
		var httpErr *APIError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if resp.Data == nil {
		return nil, nil
	}
	return resp.Data.toChat(), nil
}

// FetchChat refreshes a chat's metadata from the server into the store.
func (c *Client) FetchChat(ctx context.Context, chatGUID string) error {
	chat, err := c.GetChat(ctx, chatGUID)
	if err != nil {
		return err
	}
	if chat == nil {
		return fmt.Errorf("chat %s not found on server", chatGUID)
	}
	return c.db.UpsertChat(chat)
}

// SendText submits a text message to the server, returning the server guid.
// The tempGuid ties the server's echo back to the optimistic entry.
func (c *Client) SendText(ctx context.Context, chatGUID, clientGUID, text string) (string, error) {
	body := map[string]any{
		"chatGuid": chatGUID,
		"tempGuid": clientGUID,
		"message":  text,
		"method":   "apple-script",
	}
	var resp struct {
		Data apiMessage `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/message/text", body, &resp); err != nil {
		return "", fmt.Errorf("send text to %s: %w", chatGUID, err)
	}
	return resp.Data.GUID, nil
}

// DownloadAttachment streams attachment bytes from the server.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentGUID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("/api/v1/attachment/"+url.PathEscape(attachmentGUID)+"/download"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download attachment %s: %w", attachmentGUID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Path: req.URL.Path}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// APIError is a non-2xx server response.
type APIError struct {
	Status int
	Path   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d for %s", e.Status, e.Path)
}

func (c *Client) endpoint(path string) string {
	u := c.baseURL + path
	if c.password != "" {
		u += "?password=" + url.QueryEscape(c.password)
	}
	return u
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Path: req.URL.Path}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
