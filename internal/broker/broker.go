// Package broker is an HTTP client for the BGPKIT Broker API
// (https://api.broker.bgpkit.com/v3), used by MrtSearchEngine's
// discovery phase (spec §4.8) to enumerate MRT dump files matching a
// time range, project, collector, and dump type.
//
// No broker client exists anywhere in the example pack, so this is a
// thin hand-rolled wrapper over net/http + encoding/json rather than a
// generalized teacher file (see DESIGN.md). The rate limiter follows
// wingedpig-iporg's pkg/sources/rdap client: an optional
// golang.org/x/time/rate.Limiter guarding outbound requests.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/bgpkit/monocle/internal/merr"
)

const defaultBaseURL = "https://api.broker.bgpkit.com/v3"

// DumpType restricts results to "rib" (table dumps) or "update" (BGP
// update streams); empty means either.
type DumpType string

const (
	DumpTypeAny    DumpType = ""
	DumpTypeRIB    DumpType = "rib"
	DumpTypeUpdate DumpType = "update"
)

// Query describes one broker search (spec §6.2).
type Query struct {
	TsStart   time.Time
	TsEnd     time.Time
	Project   string // "routeviews", "riperis", or "" for either
	Collector string
	DumpType  DumpType
	PageSize  int
}

// Item is a single MRT file the broker returned.
type Item struct {
	URL         string    `json:"url"`
	Collector   string    `json:"collector_id"`
	Project     string    `json:"project"`
	DumpType    string    `json:"data_type"`
	Timestamp   time.Time `json:"ts_start"`
	SizeBytes   int64     `json:"rough_size"`
}

// Client is a BGPKIT Broker API client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	limiter *rate.Limiter
}

// New returns a Client against the public BGPKIT broker instance.
// Passing a non-empty baseURL overrides it (useful for a private mirror
// or a test double). requestsPerSecond throttles outbound requests;
// zero or negative disables throttling.
func New(baseURL string, requestsPerSecond float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return &Client{BaseURL: baseURL, HTTP: http.DefaultClient, limiter: limiter}
}

type searchResponse struct {
	Count int    `json:"count"`
	Data  []Item `json:"data"`
}

// Search enumerates every file matching q, paginating until the broker
// returns a short page. page_size defaults to 100 if unset.
func (c *Client) Search(ctx context.Context, q Query) ([]Item, error) {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var out []Item
	page := 1
	for {
		items, err := c.searchPage(ctx, q, page, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if len(items) < pageSize {
			return out, nil
		}
		page++
	}
}

func (c *Client) searchPage(ctx context.Context, q Query, page, pageSize int) ([]Item, error) {
	u, err := url.Parse(c.BaseURL + "/search")
	if err != nil {
		return nil, fmt.Errorf("%w: invalid broker base url: %v", merr.ErrInvalidInput, err)
	}
	values := url.Values{}
	if !q.TsStart.IsZero() {
		values.Set("ts_start", strconv.FormatInt(q.TsStart.Unix(), 10))
	}
	if !q.TsEnd.IsZero() {
		values.Set("ts_end", strconv.FormatInt(q.TsEnd.Unix(), 10))
	}
	if q.Project != "" {
		values.Set("project", q.Project)
	}
	if q.Collector != "" {
		values.Set("collector_id", q.Collector)
	}
	if q.DumpType != DumpTypeAny {
		values.Set("data_type", string(q.DumpType))
	}
	values.Set("page", strconv.Itoa(page))
	values.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = values.Encode()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: broker rate limit: %v", merr.ErrUpstream, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrInvalidInput, err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: broker query: %v", merr.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: broker query: %s", merr.ErrUpstream, resp.Status)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode broker response: %v", merr.ErrProtocol, err)
	}
	return parsed.Data, nil
}
