package http

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

	"quorumkv/pkg/coordinator"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/replication"
	"quorumkv/pkg/types"
)

// Client реализует удалённые вызовы к другой ноде: форвардинг записей на
// primary, локальные чтения реплик, доставку репликации и heartbeat'ов.
// Каждый вызов ограничен по времени: таймаут обязателен для любого
// межнодового запроса.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(addr string, timeout time.Duration) *Client {
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) ForwardPut(ctx context.Context, key, value []byte, d replication.Durability) (types.Version, error) {
	form := url.Values{}
	form.Set("key", string(key))
	form.Set("value", string(value))
	form.Set("durability", string(d))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/kv", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("create PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.doWrite(req, "PUT")
}

func (c *Client) ForwardDelete(ctx context.Context, key []byte, d replication.Durability) (types.Version, error) {
	reqURL := fmt.Sprintf("%s/api/kv?key=%s&durability=%s", c.baseURL, url.QueryEscape(string(key)), d)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create DELETE request: %w", err)
	}

	return c.doWrite(req, "DELETE")
}

func (c *Client) doWrite(req *http.Request, method string) (types.Version, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute %s request: %w", method, err)
	}
	defer resp.Body.Close()

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode %s response: %w", method, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return types.Version(body.Version), nil
	case http.StatusAccepted:
		return types.Version(body.Version), fmt.Errorf("%s: %s: %w", method, body.Error, kverrors.ErrIndeterminate)
	case http.StatusNotFound:
		return 0, kverrors.ErrNotFound
	case http.StatusServiceUnavailable:
		return 0, fmt.Errorf("%s: %s: %w", method, body.Error, kverrors.ErrUnavailable)
	case http.StatusConflict:
		return 0, fmt.Errorf("%s: %s: %w", method, body.Error, kverrors.ErrStaleView)
	default:
		return 0, fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, body.Error)
	}
}

// ReadLocal returns the node's local record for key, tombstones included.
func (c *Client) ReadLocal(ctx context.Context, key []byte) (coordinator.Record, error) {
	reqURL := fmt.Sprintf("%s/internal/kv?key=%s", c.baseURL, url.QueryEscape(string(key)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return coordinator.Record{}, fmt.Errorf("create read request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coordinator.Record{}, fmt.Errorf("execute read request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return coordinator.Record{}, fmt.Errorf("read failed with status %d: %s", resp.StatusCode, string(body))
	}

	var rec RecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return coordinator.Record{}, fmt.Errorf("decode read response: %w", err)
	}
	return coordinator.Record{
		Value:     rec.Value,
		Version:   types.Version(rec.Version),
		Tombstone: rec.Tombstone,
		Exists:    rec.Exists,
	}, nil
}

// ApplyReplicated delivers a replicated write to this node.
func (c *Client) ApplyReplicated(ctx context.Context, w replication.Write) error {
	payload, err := json.Marshal(ReplicateRequest{
		Key:       w.Key,
		Value:     w.Value,
		Version:   uint64(w.Version),
		Tombstone: w.Tombstone,
	})
	if err != nil {
		return fmt.Errorf("marshal replicate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/replicate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create replicate request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute replicate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("replicate failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Heartbeat announces liveness of node to this peer's failure detector.
func (c *Client) Heartbeat(ctx context.Context, node types.NodeID, ts types.TimestampMs) error {
	payload, err := json.Marshal(HeartbeatRequest{Node: string(node), Ts: int64(ts)})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute heartbeat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat failed with status %d", resp.StatusCode)
	}
	return nil
}

// Status fetches the node's replication progress.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/status", nil)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("execute status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusResponse{}, fmt.Errorf("status failed with status %d", resp.StatusCode)
	}

	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return StatusResponse{}, fmt.Errorf("decode status response: %w", err)
	}
	return st, nil
}
