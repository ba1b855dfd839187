// Package remote is the typed HTTP client for the Client System API. Every
// call injects the bearer token; responses are classified into retriable and
// non-retriable failures.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

const defaultTimeout = 30 * time.Second

// StatusError is a non-2xx response from the remote.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Body)
}

// Retriable reports whether the failure is worth retrying. 4xx responses
// are rejections; everything else is a remote-side or transport fault.
func (e *StatusError) Retriable() bool {
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// Client talks to one Client System instance.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for the given base URL and bearer token.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Health probes the remote's reachability endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// FetchTenant retrieves the tenant record this agent belongs to.
func (c *Client) FetchTenant(ctx context.Context) (model.Tenant, error) {
	var tenant model.Tenant
	if err := c.getJSON(ctx, "/api/tenant", &tenant); err != nil {
		return model.Tenant{}, fmt.Errorf("fetch tenant: %w", err)
	}
	return tenant, nil
}

// RegisterPayload is the register feed: definitions plus the device models
// and join rows they reference.
type RegisterPayload struct {
	DeviceModels    []model.DeviceModel        `json:"device_models"`
	Registers       []model.RegisterDefinition `json:"registers"`
	DeviceRegisters []model.DeviceRegister     `json:"device_registers"`
}

// FetchRegisters retrieves the register definition feed.
func (c *Client) FetchRegisters(ctx context.Context) (RegisterPayload, error) {
	var payload RegisterPayload
	if err := c.getJSON(ctx, "/api/registers", &payload); err != nil {
		return RegisterPayload{}, fmt.Errorf("fetch registers: %w", err)
	}
	return payload, nil
}

// FetchMeters retrieves all meter elements.
func (c *Client) FetchMeters(ctx context.Context) ([]model.Meter, error) {
	var meters []model.Meter
	if err := c.getJSON(ctx, "/api/meters?includeElements=true", &meters); err != nil {
		return nil, fmt.Errorf("fetch meters: %w", err)
	}
	return meters, nil
}

type uploadReading struct {
	MeterID   string  `json:"meter_id"`
	ElementID string  `json:"element_id"`
	Timestamp string  `json:"timestamp"`
	DataPoint string  `json:"data_point"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

type uploadRequest struct {
	Readings []uploadReading `json:"readings"`
}

// UploadReadings posts one outbox batch to the bulk endpoint. The
// Idempotency-Key derives from the row id list, so a retried batch hashes
// identically and the remote can drop the duplicate.
func (c *Client) UploadReadings(ctx context.Context, batch []model.MeterReading) error {
	payload := uploadRequest{Readings: make([]uploadReading, len(batch))}
	for i, mr := range batch {
		payload.Readings[i] = uploadReading{
			MeterID:   mr.MeterID,
			ElementID: mr.ElementID,
			Timestamp: mr.Timestamp.UTC().Format(time.RFC3339Nano),
			DataPoint: mr.DataPoint,
			Value:     mr.Value,
			Unit:      mr.Unit,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode readings: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/meter-readings/bulk", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey(batch))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload readings: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: readBody(resp)}
	}
	return nil
}

// idempotencyKey hashes the ordered row id list.
func idempotencyKey(batch []model.MeterReading) string {
	h := xxh3.New()
	for _, mr := range batch {
		h.WriteString(strconv.FormatInt(mr.ID, 10))
		h.WriteString(",")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: readBody(resp)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(b))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
