package telephony

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"call-billing/internal/apperr"

	"github.com/go-resty/resty/v2"
)

const (
	defaultPageSize       = 100
	defaultRequestTimeout = 10 * time.Second
	// defaultMaxPages bounds a single fetch. The feed ends there without an
	// error and the next fetch resumes from the newest event seen.
	defaultMaxPages = 1000
)

type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PageSize       int
	RetryCount     int
}

// HTTPProvider talks to the provider's REST API.
//
//	GET {base}/v1/calls?updated_after=&sort=updated_at&page=&page_size=
//	GET {base}/v1/calls/{call_id}
//
// Bodies are decoded as JSON whatever Content-Type the provider sends.
type HTTPProvider struct {
	client   *resty.Client
	pageSize int
	maxPages int
}

type callsPage struct {
	Calls   []RawCallEvent `json:"calls"`
	HasMore bool           `json:"has_more"`
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Authorization", cfg.APIKey).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client.SetTimeout(timeout)
	return &HTTPProvider{client: client, pageSize: pageSize, maxPages: defaultMaxPages}
}

var _ Provider = (*HTTPProvider)(nil)

func (p *HTTPProvider) FetchCallsSince(ctx context.Context, cursor time.Time) iter.Seq2[RawCallEvent, error] {
	return func(yield func(RawCallEvent, error) bool) {
		for page := 1; page <= p.maxPages; page++ {
			res, err := p.fetchPage(ctx, cursor, page)
			if err != nil {
				yield(RawCallEvent{}, err)
				return
			}
			for _, e := range res.Calls {
				if !yield(e, nil) {
					return
				}
			}
			if !res.HasMore || len(res.Calls) == 0 {
				return
			}
		}
	}
}

func (p *HTTPProvider) fetchPage(ctx context.Context, cursor time.Time, page int) (callsPage, error) {
	params := map[string]string{
		"sort":      "updated_at",
		"page":      strconv.Itoa(page),
		"page_size": strconv.Itoa(p.pageSize),
	}
	if !cursor.IsZero() {
		params["updated_after"] = cursor.UTC().Format(time.RFC3339Nano)
	}

	var out callsPage
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/v1/calls")
	if err != nil {
		return callsPage{}, apperr.Upstream("telephony.fetch_calls", err)
	}
	if resp.IsError() {
		return callsPage{}, apperr.Upstream("telephony.fetch_calls", fmt.Errorf("http %d", resp.StatusCode()))
	}
	return out, nil
}

func (p *HTTPProvider) FetchCallDetail(ctx context.Context, callID string) (RawCallEvent, error) {
	if callID == "" {
		return RawCallEvent{}, apperr.Invalid("call_id required")
	}
	var out RawCallEvent
	resp, err := p.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/v1/calls/" + url.PathEscape(callID))
	if err != nil {
		return RawCallEvent{}, apperr.Upstream("telephony.fetch_detail", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return RawCallEvent{}, fmt.Errorf("call %s: %w", callID, apperr.ErrNotFound)
	}
	if resp.IsError() {
		return RawCallEvent{}, apperr.Upstream("telephony.fetch_detail", fmt.Errorf("http %d", resp.StatusCode()))
	}
	if out.CallID == "" {
		return RawCallEvent{}, apperr.Upstream("telephony.fetch_detail", errors.New("empty body"))
	}
	return out, nil
}
