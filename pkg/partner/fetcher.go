package partner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/common/retry"
	"github.com/synaptica-ai/partner-ingest/pkg/gateway/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var ErrNoEndpoint = errors.New("partner has no feed endpoint")

// Feed is one pulled partner feed.
type Feed struct {
	Payload     []byte
	ContentType string
}

type Fetcher struct {
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	maxBytes  int64
}

func NewFetcher(client *http.Client, attempts int, maxBytes int64) *Fetcher {
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{client: client, attempts: attempts, baseDelay: 200 * time.Millisecond, maxBytes: maxBytes}
}

func (f *Fetcher) clientFor(ctx context.Context, auth EndpointAuth) *http.Client {
	if auth.Type != AuthOAuth2 {
		return f.client
	}
	cfg := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	return cfg.Client(context.WithValue(ctx, oauth2.HTTPClient, f.client))
}

// Fetch GETs the partner's endpoint, retrying timeouts, 429 and 5xx with
// exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, p *Partner) (*Feed, error) {
	if strings.TrimSpace(p.Endpoint) == "" {
		return nil, ErrNoEndpoint
	}
	auth := p.EndpointAuth.Data()
	client := f.clientFor(ctx, auth)

	var feed *Feed
	err := retry.Do(ctx, f.attempts, f.baseDelay, 5*time.Second, func() error {
		got, err := f.get(ctx, client, p, auth)
		if err != nil {
			if httpclient.IsRetriable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		feed = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch feed for partner %s: %w", p.ID, err)
	}
	return feed, nil
}

func (f *Fetcher) get(ctx context.Context, client *http.Client, p *Partner, auth EndpointAuth) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	for name, value := range p.EndpointHeaders.Data() {
		req.Header.Set(name, value)
	}
	switch auth.Type {
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &httpclient.StatusError{URL: p.Endpoint, StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if f.maxBytes > 0 && int64(len(payload)) > f.maxBytes {
		return nil, fmt.Errorf("feed from %s exceeds %d bytes", p.Endpoint, f.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") || strings.HasPrefix(contentType, "text/plain") {
		contentType = ContentTypeFor(p.Format)
	}
	return &Feed{Payload: payload, ContentType: contentType}, nil
}

// ContentTypeFor maps a partner's declared format to the media type its
// feeds are parsed as.
func ContentTypeFor(format string) string {
	if strings.HasPrefix(strings.ToLower(format), "csv") {
		return "text/csv"
	}
	return "application/json"
}
