package fetch

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/logger"
)

// Item is one element of a paged collection
type Item struct {
	Page int // 1-based page the item arrived on
	Data json.RawMessage
}

// Decode unmarshals the item into v
func (it Item) Decode(v any) error {
	return errors.Wrap(json.Unmarshal(it.Data, v), "decode item")
}

// PageOption configures FetchPaged
type PageOption func(*pageSpec)

type pageSpec struct {
	itemsKey string // "" means the body is a JSON array

	// page-number paging
	pageParam    string
	perPageParam string

	// offset paging, used when offsetParam is set
	offsetParam string
	limitParam  string

	pageSize int
}

// WithItemsKey reads items from the named field of an object body
// (e.g. {"issues": [...]}) rather than from a top-level array.
func WithItemsKey(key string) PageOption {
	return func(s *pageSpec) { s.itemsKey = key }
}

// WithPageParams renames the page-number query parameters (default page, per_page)
func WithPageParams(page, perPage string) PageOption {
	return func(s *pageSpec) {
		s.pageParam = page
		s.perPageParam = perPage
	}
}

// WithOffsetPaging switches to offset paging: offset and limit query
// parameters, and a body field "total" bounding the walk when present.
func WithOffsetPaging(offset, limit string) PageOption {
	return func(s *pageSpec) {
		s.offsetParam = offset
		s.limitParam = limit
	}
}

// WithPageSize overrides the client's configured page size
func WithPageSize(n int) PageOption {
	return func(s *pageSpec) { s.pageSize = n }
}

// FetchPaged lazily walks a paged collection, yielding one item at a time.
// The next page is requested only after every item of the current page has
// been consumed, so breaking out of the range stops further requests.
// Ranging again restarts from the first page. A fetch or decode failure is
// yielded once as the error value and ends the sequence.
func (c *Client) FetchPaged(ctx context.Context, resourceURI string, opts ...PageOption) iter.Seq2[Item, error] {
	spec := pageSpec{
		pageParam:    "page",
		perPageParam: "per_page",
		pageSize:     c.cfg.PageSize,
	}
	for _, opt := range opts {
		opt(&spec)
	}

	return func(yield func(Item, error) bool) {
		log := logger.LoggerFromContext(ctx, c.logger)
		offset := 0

		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(Item{}, errors.Wrap(err, "paged fetch"))
				return
			}

			target, err := spec.pageURI(resourceURI, page, offset)
			if err != nil {
				yield(Item{}, err)
				return
			}

			resp, err := c.Fetch(ctx, target)
			if err != nil {
				yield(Item{}, err)
				return
			}

			items, total, err := spec.decode(resp.Body)
			if err != nil {
				yield(Item{}, errors.Wrapf(err, "page %d of %s", page, resourceURI))
				return
			}

			log.Debugw("Fetched page",
				logger.FieldURL, resp.URL,
				logger.FieldPage, page,
				logger.FieldCount, len(items),
			)

			if len(items) == 0 {
				return
			}
			for _, raw := range items {
				if !yield(Item{Page: page, Data: raw}, nil) {
					return
				}
			}

			offset += len(items)
			if !spec.hasNext(resp.Header, c.cfg.NextPageHeader, len(items), offset, total) {
				return
			}
		}
	}
}

// CollectPaged drains FetchPaged, decoding every item into T
func CollectPaged[T any](ctx context.Context, c *Client, resourceURI string, opts ...PageOption) ([]T, error) {
	var out []T
	for item, err := range c.FetchPaged(ctx, resourceURI, opts...) {
		if err != nil {
			return out, err
		}
		var v T
		if err := item.Decode(&v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s pageSpec) pageURI(resourceURI string, page, offset int) (string, error) {
	u, err := url.Parse(resourceURI)
	if err != nil {
		return "", errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "resource %q", resourceURI)
	}
	q := u.Query()
	if s.offsetParam != "" {
		q.Set(s.offsetParam, strconv.Itoa(offset))
		q.Set(s.limitParam, strconv.Itoa(s.pageSize))
	} else {
		q.Set(s.pageParam, strconv.Itoa(page))
		q.Set(s.perPageParam, strconv.Itoa(s.pageSize))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// decode extracts the page items and, for object bodies, the "total" count (-1 if absent)
func (s pageSpec) decode(body []byte) ([]json.RawMessage, int, error) {
	if s.itemsKey == "" {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, -1, errors.Wrap(err, "expected a JSON array")
		}
		return items, -1, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, -1, errors.Wrap(err, "expected a JSON object")
	}

	total := -1
	if raw, ok := obj["total"]; ok {
		if err := json.Unmarshal(raw, &total); err != nil {
			return nil, -1, errors.Wrap(err, "decode total")
		}
	}

	raw, ok := obj[s.itemsKey]
	if !ok || string(raw) == "null" {
		return nil, total, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, -1, errors.Wrapf(err, "decode %q", s.itemsKey)
	}
	return items, total, nil
}

// hasNext decides whether another page exists. In order of preference:
// a known total (offset paging), the next-page header, a Link rel="next",
// and finally whether the page came back full.
func (s pageSpec) hasNext(h http.Header, nextHeader string, count, seen, total int) bool {
	if s.offsetParam != "" && total >= 0 {
		return seen < total
	}
	if vals, ok := h[http.CanonicalHeaderKey(nextHeader)]; ok {
		return len(vals) > 0 && strings.TrimSpace(vals[0]) != ""
	}
	if link := h.Get("Link"); link != "" {
		return hasNextLink(link)
	}
	return count >= s.pageSize
}

// hasNextLink reports whether an RFC 8288 Link header carries rel="next"
func hasNextLink(link string) bool {
	for _, part := range strings.Split(link, ",") {
		for _, param := range strings.Split(part, ";")[1:] {
			param = strings.TrimSpace(param)
			if strings.EqualFold(param, `rel="next"`) || strings.EqualFold(param, "rel=next") {
				return true
			}
		}
	}
	return false
}
