package iex

import (
	"errors"
	"net/http"
	"net/url"
)

// DefaultBaseURL is the IEX Cloud API root.
const DefaultBaseURL = "https://cloud.iexapis.com/v1"

// ErrMissingToken is returned by NewClient when no credential is supplied.
var ErrMissingToken = errors.New("iex: missing token")

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=iex_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches quotes from an IEX Cloud compatible API.
type Client struct {
	// baseURL is the base URL for the API.
	baseURL string
	// httpClient is the HTTP client.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
	// query carries the token and is sent with each request.
	query url.Values
}

// ClientOption is a configuration option for the IEX client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) ClientOption {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// NewClient creates a new IEX client authenticating with token.
func NewClient(token string, options ...ClientOption) (*Client, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	var client = &Client{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		query:      url.Values{},
	}
	// IEX authenticates with a query parameter rather than a header.
	client.query.Set("token", token)
	for _, option := range options {
		option(client)
	}
	return client, nil
}
