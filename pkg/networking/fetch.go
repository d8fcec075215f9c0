package networking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"

	// ContentTypeFormURLEncoded is the form-urlencoded content type.
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

// FetchResult contains the result of a successful JSON fetch operation.
type FetchResult[T any] struct {
	// Data is the parsed JSON response body.
	Data T

	// StatusCode is the HTTP status code of the response.
	StatusCode int

	// Headers are the response headers.
	Headers http.Header
}

// FetchOption configures a fetch request.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	method                    string
	headers                   http.Header
	body                      io.Reader
	maxResponseSize           int64
	skipContentTypeValidation bool
}

func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		method:          http.MethodGet,
		headers:         make(http.Header),
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// WithMethod sets the HTTP method for the request.
func WithMethod(method string) FetchOption {
	return func(opts *fetchOptions) {
		opts.method = method
	}
}

// WithHeader adds a single header to the request.
func WithHeader(key, value string) FetchOption {
	return func(opts *fetchOptions) {
		opts.headers.Set(key, value)
	}
}

// WithBody sets the request body.
func WithBody(body io.Reader) FetchOption {
	return func(opts *fetchOptions) {
		opts.body = body
	}
}

// WithMaxResponseSize sets the maximum response body size.
// If not set, DefaultMaxResponseSize (1MB) is used.
func WithMaxResponseSize(size int64) FetchOption {
	return func(opts *fetchOptions) {
		opts.maxResponseSize = size
	}
}

// WithoutContentTypeValidation disables Content-Type validation.
// By default, FetchJSON validates that the response Content-Type is application/json.
func WithoutContentTypeValidation() FetchOption {
	return func(opts *fetchOptions) {
		opts.skipContentTypeValidation = true
	}
}

// FetchJSON performs an HTTP request and parses the JSON response body.
// It sets the Accept header to application/json by default. Non-2xx
// responses are returned as an *HTTPError carrying a body preview and the
// response headers.
func FetchJSON[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	opts ...FetchOption,
) (*FetchResult[T], error) {
	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}

	if options.headers.Get("Accept") == "" {
		options.headers.Set("Accept", ContentTypeJSON)
	}

	req, err := http.NewRequestWithContext(ctx, options.method, requestURL, options.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range options.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read body with size limit to prevent DoS.
	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyPreview := string(body)
		if len(bodyPreview) > DefaultErrorPreviewSize {
			bodyPreview = bodyPreview[:DefaultErrorPreviewSize]
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       bodyPreview,
			Header:     resp.Header,
			URL:        requestURL,
		}
	}

	if !options.skipContentTypeValidation {
		contentType := resp.Header.Get("Content-Type")
		if !strings.Contains(strings.ToLower(contentType), ContentTypeJSON) {
			return nil, fmt.Errorf("unexpected content type: %s", contentType)
		}
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return &FetchResult[T]{
		Data:       data,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}, nil
}

// FetchJSONWithForm performs a POST request with a form-urlencoded body and
// parses the JSON response. This is the shape of every token-endpoint and PAR
// call.
func FetchJSONWithForm[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	formData url.Values,
	opts ...FetchOption,
) (*FetchResult[T], error) {
	formOpts := []FetchOption{
		WithMethod(http.MethodPost),
		WithHeader("Content-Type", ContentTypeFormURLEncoded),
		WithBody(strings.NewReader(formData.Encode())),
	}
	allOpts := append(formOpts, opts...)
	return FetchJSON[T](ctx, client, requestURL, allOpts...)
}
