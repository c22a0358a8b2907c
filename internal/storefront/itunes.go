package storefront

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// SearchLimit is the maximum number of results returned by the catalog search API.
const SearchLimit = 200

// Query parameterizes catalog lookup and search.
type Query struct {
	// Term is the free-text search term.
	Term string
	// BundleID or ID select a single entry for Lookup.
	BundleID string
	ID       int64
	Device   DeviceClass
	Limit    int
	Offset   int
	Region   Region
}

func (q Query) values() url.Values {
	v := url.Values{}
	v.Set("country", q.Region.country())
	v.Set("entity", q.Device.entity())
	v.Set("media", "software")
	return v
}

// SearchResult is delivered by SearchAsync.
type SearchResult struct {
	Archives []Archive
	Err      error
}

// Lookup resolves a single catalog entry by bundle identifier or track id.
func (c *Client) Lookup(ctx context.Context, q Query) (*Archive, error) {
	v := q.values()
	switch {
	case q.BundleID != "":
		v.Set("bundleId", q.BundleID)
	case q.ID != 0:
		v.Set("id", strconv.FormatInt(q.ID, 10))
	default:
		return nil, fmt.Errorf("lookup requires a bundle ID or track ID")
	}
	v.Set("limit", "1")

	resp, err := c.codec.Do(ctx, c.catalogRequest(c.endpoints.lookupURL(), v))
	if err != nil {
		return nil, err
	}

	var result queryResults
	if err := resp.DecodeJSON(&result); err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, fmt.Errorf("%w for bundleID %s", ErrNoResults, q.BundleID)
	}

	return &result.Results[0], nil
}

// Search queries the catalog by free-text term.
func (c *Client) Search(ctx context.Context, q Query) ([]Archive, error) {
	resp, err := c.codec.Do(ctx, c.searchRequest(q))
	if err != nil {
		return nil, err
	}
	return decodeSearch(resp, q.Term)
}

// SearchAsync runs Search without blocking the caller.
func (c *Client) SearchAsync(ctx context.Context, q Query) <-chan SearchResult {
	out := make(chan SearchResult, 1)
	res := c.codec.Go(ctx, c.searchRequest(q))
	go func() {
		r := <-res
		if r.Err != nil {
			out <- SearchResult{Err: r.Err}
			return
		}
		archives, err := decodeSearch(r.Response, q.Term)
		out <- SearchResult{Archives: archives, Err: err}
	}()
	return out
}

func (c *Client) searchRequest(q Query) *Request {
	v := q.values()
	v.Set("term", q.Term)
	limit := q.Limit
	if limit <= 0 || limit > SearchLimit {
		limit = SearchLimit
	}
	v.Set("limit", strconv.Itoa(limit))
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return c.catalogRequest(c.endpoints.searchURL(), v)
}

func (c *Client) catalogRequest(endpoint string, v url.Values) *Request {
	return &Request{
		Method: http.MethodGet,
		URL:    endpoint,
		Query:  v,
		Header: http.Header{"Content-Type": {"application/json"}},
		Expect: FormatJSON,
	}
}

func decodeSearch(resp *Response, term string) ([]Archive, error) {
	var result queryResults
	if err := resp.DecodeJSON(&result); err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, fmt.Errorf("%w for search term %s", ErrNoResults, term)
	}
	return result.Results, nil
}
