package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-civitai-library/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

// Client talks to the Civitai catalog API.
type Client struct {
	ApiKey     string
	HttpClient *http.Client
	BaseURL    string
	MaxRetries int
	// BackoffUnit scales the retry sleeps: attempt*5 units on 429, attempt*3 units on 5xx.
	BackoffUnit time.Duration
}

// NewClient creates a new API client.
func NewClient(apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		ApiKey:      apiKey,
		HttpClient:  httpClient,
		BaseURL:     CivitaiApiBaseUrl,
		MaxRetries:  3,
		BackoffUnit: time.Second,
	}
}

// GetModelVersionByHash looks a model version up by any of its file hashes.
func (c *Client) GetModelVersionByHash(ctx context.Context, hash string) (models.ModelVersion, error) {
	var version models.ModelVersion
	err := c.getJSON(ctx, "/model-versions/by-hash/"+url.PathEscape(strings.TrimSpace(hash)), &version)
	return version, err
}

// GetModel fetches the full model document.
func (c *Client) GetModel(ctx context.Context, modelID int) (models.Model, error) {
	var model models.Model
	err := c.getJSON(ctx, fmt.Sprintf("/models/%d", modelID), &model)
	return model, err
}

// ResolveHash maps a resource hash to the model it belongs to.
func (c *Client) ResolveHash(ctx context.Context, hash string) (models.ResourceInfo, error) {
	version, err := c.GetModelVersionByHash(ctx, hash)
	if err != nil {
		return models.ResourceInfo{}, err
	}
	modelID := version.ModelId
	return models.ResourceInfo{
		Name:           version.Model.Name,
		Type:           version.Model.Type,
		VersionName:    version.Name,
		ModelID:        &modelID,
		ModelVersionID: version.ID,
	}, nil
}

// getJSON performs a GET with retries and decodes the JSON body into out.
// 429 and 5xx are retried with backoff; 401/403/404 and other 4xx fail immediately.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	reqURL := strings.TrimRight(c.BaseURL, "/") + path
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		body, status, err := c.do(ctx, reqURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			if attempt < maxRetries-1 {
				log.WithError(err).Warnf("Retrying (%d/%d)...", attempt+1, maxRetries)
				if err := sleepCtx(ctx, time.Duration(attempt+1)*2*c.BackoffUnit); err != nil {
					return err
				}
			}
			continue
		}

		var sleepDuration time.Duration
		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				log.Debugf("Response body causing unmarshal error: %s", string(body))
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil
		case status == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			sleepDuration = time.Duration(attempt+1) * 5 * c.BackoffUnit
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return ErrUnauthorized
		case status == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		case status >= 500:
			lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, status)
			sleepDuration = time.Duration(attempt+1) * 3 * c.BackoffUnit
		default:
			return fmt.Errorf("API request failed with status %d", status)
		}

		if attempt < maxRetries-1 {
			log.WithError(lastErr).Warnf("Retrying (%d/%d) after %s...", attempt+1, maxRetries, sleepDuration)
			if err := sleepCtx(ctx, sleepDuration); err != nil {
				return err
			}
		} else {
			log.WithError(lastErr).Errorf("Request failed after %d attempts with status %d", maxRetries, status)
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, reqURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error reading response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
