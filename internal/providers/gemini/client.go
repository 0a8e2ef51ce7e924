// Package gemini talks to the Google Generative Language API using plain
// API-key authentication. The credential is chosen per call so a single
// client serves the whole rotation pool.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ncecere/gemini_chat_gateway/internal/models"
	"github.com/ncecere/gemini_chat_gateway/internal/providers/streamutil"
)

const apiKeyHeader = "x-goog-api-key"

// Options configure the Gemini client.
type Options struct {
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client implements streaming and non-streaming content generation.
type Client struct {
	client  *http.Client
	baseURL string
}

// New creates a Gemini client.
func New(opts Options) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gemini: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("gemini: parse base url: %w", err)
	}
	version := strings.Trim(strings.TrimSpace(opts.APIVersion), "/")
	if version == "" {
		version = "v1beta"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Streams are bounded by the caller's context; Timeout only guards the
		// response headers so long generations are not cut off mid-body.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Timeout > 0 {
			transport.ResponseHeaderTimeout = opts.Timeout
		}
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{
		client:  httpClient,
		baseURL: base + "/" + version,
	}, nil
}

// Generate performs a single blocking generateContent call.
func (c *Client) Generate(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) ([]models.Fragment, error) {
	payload, err := buildGenerateContentRequest(contents, cfg)
	if err != nil {
		return nil, err
	}
	var resp geminiGenerateResponse
	if err := c.postJSON(ctx, credential, c.modelURL(model, "generateContent"), payload, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, inStreamError(resp.Error)
	}
	return convertFragments(resp), nil
}

// StreamGenerate starts a streamGenerateContent call. Fragments arrive on the
// channel in order; the returned func releases the stream and reports the
// error that ended it, if any.
func (c *Client) StreamGenerate(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) (<-chan models.Fragment, func() error, error) {
	payload, err := buildGenerateContentRequest(contents, cfg)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.post(ctx, credential, c.modelURL(model, "streamGenerateContent"), payload)
	if err != nil {
		return nil, nil, err
	}

	forward := func(ctx context.Context, yield streamutil.YieldFunc) error {
		reader := bufio.NewReader(resp.Body)
		typeHint, err := peekNonWhitespace(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("gemini stream peek: %w", err)
		}
		dec := json.NewDecoder(reader)
		emit := func(chunk geminiGenerateResponse) (bool, error) {
			if chunk.Error != nil {
				return false, inStreamError(chunk.Error)
			}
			for _, fragment := range convertFragments(chunk) {
				if !yield(fragment) {
					return false, nil
				}
			}
			return true, nil
		}

		if typeHint == '[' {
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("gemini stream array token: %w", err)
			}
			for dec.More() {
				var chunk geminiGenerateResponse
				if err := dec.Decode(&chunk); err != nil {
					return fmt.Errorf("gemini stream array decode: %w", err)
				}
				if ok, err := emit(chunk); !ok {
					return err
				}
			}
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("gemini stream array closing: %w", err)
			}
			return nil
		}

		for {
			var chunk geminiGenerateResponse
			if err := dec.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("gemini stream decode: %w", err)
			}
			if ok, err := emit(chunk); !ok {
				return err
			}
		}
	}

	fragments, finish := streamutil.Forward(ctx, resp.Body.Close, forward)
	return fragments, finish, nil
}

// Probe issues a cheap authenticated call to check whether a credential is
// currently accepted.
func (c *Client) Probe(ctx context.Context, credential string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models?pageSize=1", nil)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, credential)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return nil
}

func (c *Client) modelURL(model, method string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	return c.baseURL + "/models/" + url.PathEscape(model) + ":" + method
}

func (c *Client) postJSON(ctx context.Context, credential, url string, payload any, out any) error {
	resp, err := c.post(ctx, credential, url, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gemini decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, credential, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gemini encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, credential)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func peekNonWhitespace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b > ' ' {
			_ = r.UnreadByte()
			return b, nil
		}
	}
}
