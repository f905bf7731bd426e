package source

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/kalambet/pricetrail/internal/features"
)

type httpSource struct {
	url    string
	client *resty.Client
	opts   Options
}

func newHTTPSource(url string, opts Options) *httpSource {
	client := resty.New()
	client.SetHeader("User-Agent", opts.UserAgent)
	client.SetHeader("Accept", "text/html,application/xhtml+xml")
	client.SetTimeout(opts.Timeout)
	client.SetRetryCount(opts.Retries)
	return &httpSource{url: url, client: client, opts: opts}
}

func (s *httpSource) Describe() string { return s.url }

func (s *httpSource) Rows(ctx context.Context) ([]features.RawRecord, error) {
	res, err := s.client.R().
		SetContext(ctx).
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", s.url, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("fetching %s: %s", s.url, res.Status())
	}
	return parseListing(bytes.NewReader(res.Body()), s.opts.Now().UTC())
}
