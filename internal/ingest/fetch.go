package ingest

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/autobrain/autobrain/internal/security"
)

// maxFetchBytes caps how much of a remote document is read.
const maxFetchBytes = 10 << 20 // 10 MiB

// fetchTimeout bounds one remote fetch.
const fetchTimeout = 30 * time.Second

// Fetched is the raw result of retrieving a source.
type Fetched struct {
	Title    string
	MIMEType string
	Content  string
}

// Fetcher retrieves content from a URL. Implemented by HTTPFetcher in
// production and stubbed in tests.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Fetched, error)
}

// HTTPFetcher retrieves web content over HTTP. HTML pages are reduced to
// article text via readability extraction; plain text and markdown pass
// through unchanged. URLs are SSRF-validated both up front and at dial time.
type HTTPFetcher struct {
	client    *http.Client
	validator *security.URL
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client gets a default whose
// transport re-validates resolved addresses.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	validator := security.NewURL()
	if client == nil {
		client = &http.Client{
			Timeout:   fetchTimeout,
			Transport: validator.SafeTransport(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return validator.ValidateRedirect(req, via)
			},
		}
	}
	return &HTTPFetcher{client: client, validator: validator}
}

// Fetch retrieves rawURL and extracts its text content.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Fetched, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", ErrFetch, rawURL, err)
	}
	if f.validator != nil {
		if err := f.validator.Validate(rawURL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrFetch, resp.StatusCode, rawURL)
	}

	mimeType := contentType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, maxFetchBytes)

	switch {
	case mimeType == "text/html" || mimeType == "application/xhtml+xml":
		article, err := readability.FromReader(body, parsed)
		if err != nil {
			return nil, fmt.Errorf("%w: extracting article from %s: %v", ErrFetch, rawURL, err)
		}
		return &Fetched{Title: article.Title, MIMEType: mimeType, Content: article.TextContent}, nil

	case strings.HasPrefix(mimeType, "text/"):
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading body: %v", ErrFetch, err)
		}
		return &Fetched{MIMEType: mimeType, Content: string(raw)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContent, mimeType)
	}
}

// contentType extracts the media type from a Content-Type header, defaulting
// to text/html when the header is absent or malformed.
func contentType(header string) string {
	if header == "" {
		return "text/html"
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "text/html"
	}
	return mt
}
