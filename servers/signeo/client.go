package signeo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// formField is one ordered part of a multipart body.
type formField struct {
	name  string
	value string
}

type response struct {
	status     int
	statusText string
	body       []byte
}

type downstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

const maxResponseBody = 8 << 20

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (c downstreamClient) postJSON(ctx context.Context, endpoint string, body []byte, token string) (response, error) {
	return c.post(ctx, endpoint, "application/json", bytes.NewReader(body), token)
}

func (c downstreamClient) postForm(ctx context.Context, endpoint string, values url.Values, token string) (response, error) {
	return c.post(ctx, endpoint, "application/x-www-form-urlencoded", strings.NewReader(values.Encode()), token)
}

func (c downstreamClient) postMultipart(ctx context.Context, endpoint string, fields []formField, token string) (response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return response{}, fmt.Errorf("failed to write form field %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return response{}, fmt.Errorf("failed to close multipart body: %w", err)
	}
	return c.post(ctx, endpoint, w.FormDataContentType(), &buf, token)
}

func (c downstreamClient) post(ctx context.Context, endpoint, contentType string, body io.Reader, token string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Cookie", "SIGSID="+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("failed to call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return response{}, fmt.Errorf("failed to read response of %s: %w", req.URL.Path, err)
	}

	c.logger.Debug("downstream call",
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Bool("authenticated", token != ""))

	return response{
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		body:       bs,
	}, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
