package identity

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
)

// Config holds the settings for the REST identity backend.
type Config struct {
	Endpoint  string
	ProjectID string
	APIKey    string
}

// Client talks to an Appwrite-compatible users API.
type Client struct {
	httpClient *http.Client
	endpoint   string
	projectID  string
	apiKey     string
}

// NewClient creates a new identity service client.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		projectID:  cfg.ProjectID,
		apiKey:     cfg.APIKey,
	}
}

// GetUser fetches a user record by ID.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	path := fmt.Sprintf("%s/users/%s", c.endpoint, url.PathEscape(id))
	return c.do(ctx, http.MethodGet, path, nil)
}

// UpdateLabels replaces the user's label set with the given list. The
// service treats this as a full replace, so callers must always send the
// complete set.
func (c *Client) UpdateLabels(ctx context.Context, id string, labels []string) (*User, error) {
	payload, err := json.Marshal(map[string][]string{"labels": labels})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	path := fmt.Sprintf("%s/users/%s/labels", c.endpoint, url.PathEscape(id))
	return c.do(ctx, http.MethodPut, path, payload)
}

// serviceErrorBody is the error document returned by the service.
type serviceErrorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Type    string `json:"type"`
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*User, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Appwrite-Project", c.projectID)
	req.Header.Set("X-Appwrite-Key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to identity service failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, decodeServiceError(resp.StatusCode, data)
	}

	return decodeUser(data)
}

// decodeServiceError converts an error response into a ServiceError. An
// undecodable body still yields a ServiceError carrying the HTTP status.
func decodeServiceError(statusCode int, data []byte) *ServiceError {
	var body serviceErrorBody
	if err := json.Unmarshal(data, &body); err != nil || (body.Code == 0 && body.Message == "") {
		return &ServiceError{Code: statusCode}
	}
	code := body.Code
	if code == 0 {
		code = statusCode
	}
	return &ServiceError{Code: code, Message: body.Message, Type: body.Type}
}

// decodeUser parses a user document, extracting the ID and label set and
// keeping the rest of the document opaque.
func decodeUser(data []byte) (*User, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode user document: %w", err)
	}

	user := &User{Attributes: doc}
	if id, ok := doc["$id"].(string); ok {
		user.ID = id
	}
	if raw, ok := doc["labels"].([]any); ok {
		labels := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				labels = append(labels, s)
			}
		}
		user.Labels = labels
	}
	return user, nil
}
