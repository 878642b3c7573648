package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

const maxErrorBody = 512

// HTTPTransport POSTs payloads to the payload URL.
type HTTPTransport struct {
	client   *http.Client
	encoding string
	gzip     bool
}

// NewHTTPTransport creates an HTTP transport.
// Params: client HTTP client (nil uses a default one); encoding form, json or msgpack; gzip compresses bodies.
// Returns: transport or error for unknown encoding.
func NewHTTPTransport(client *http.Client, encoding string, gzip bool) (*HTTPTransport, error) {
	switch encoding {
	case "", "form", "json", "msgpack":
	default:
		return nil, fmt.Errorf("unsupported http encoding %q", encoding)
	}
	if encoding == "" {
		encoding = "form"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, encoding: encoding, gzip: gzip}, nil
}

// Deliver encodes fields and sends one POST request.
// Params: ctx request deadline; payload URL and fields.
// Returns: encode, transport or non-2xx status error.
func (t *HTTPTransport) Deliver(ctx context.Context, payload Payload) error {
	body, contentType, err := t.encode(payload.Fields)
	if err != nil {
		return err
	}

	encoding := ""
	if t.gzip {
		body, err = gzipBody(body)
		if err != nil {
			return err
		}
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request %s: %w", payload.URL, err)
	}
	req.Header.Set("Content-Type", contentType)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", payload.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("post %s: status %d: %s", payload.URL, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// encode renders fields in the configured encoding.
// Returns: body bytes, content type, encode error.
func (t *HTTPTransport) encode(fields map[string]string) ([]byte, string, error) {
	switch t.encoding {
	case "json":
		body, err := json.Marshal(fields)
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return body, "application/json", nil
	case "msgpack":
		body, err := msgpack.Marshal(fields)
		if err != nil {
			return nil, "", fmt.Errorf("encode msgpack: %w", err)
		}
		return body, "application/msgpack", nil
	default:
		values := make(url.Values, len(fields))
		for key, value := range fields {
			values.Set(key, value)
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	}
}

// gzipBody compresses body.
func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return buf.Bytes(), nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
