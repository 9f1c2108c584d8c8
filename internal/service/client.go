package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tickrun/tickrun/internal/model"
)

const (
	reportPath  = "api/v1/results"
	contentType = "application/json"

	defaultReportTimeout = 30 * time.Second
)

// HTTPReporter submits results to a collector over HTTP.
type HTTPReporter struct {
	requestURL *url.URL
	client     *http.Client
	timeout    time.Duration
}

func NewHTTPReporter(serverURL string) (*HTTPReporter, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = "/" + reportPath

	return &HTTPReporter{
		requestURL: parsedURL,
		client:     &http.Client{},
		timeout:    defaultReportTimeout,
	}, nil
}

// WithClient replaces the http client, mainly for tests.
func (c *HTTPReporter) WithClient(client *http.Client) *HTTPReporter {
	c.client = client
	return c
}

// WithTimeout bounds a single report, the response body included. Defaults
// to 30s.
func (c *HTTPReporter) WithTimeout(d time.Duration) *HTTPReporter {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *HTTPReporter) Report(ctx context.Context, result model.Result) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := c.decodeReportResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "result reported", "command", result.Command.Name, "id", result.ID)
	return nil
}

func (c *HTTPReporter) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPReporter) decodeReportResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil {
			return fmt.Errorf("failed to parse response content type header: %w", err)
		}
		if ct != "application/problem+json" {
			return fmt.Errorf("expected `application/problem+json` content type, got: %s", ct)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
