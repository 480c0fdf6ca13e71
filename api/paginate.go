package api

import (
	"context"
	"fmt"
	"net/url"
)

// Paginator walks one resource's pages in order. It is restartable: handing
// NewPaginator the cursor from a persisted checkpoint resumes the walk at the
// page after the last completed one instead of at page one.
type Paginator struct {
	client   *Client
	resource Resource
	path     string
	query    url.Values
	cursor   string
	done     bool
}

// NewPaginator prepares a page walk over path. startCursor is empty for a
// fresh walk, or a previously observed next-page token to resume from.
func (c *Client) NewPaginator(resource Resource, path string, query url.Values, startCursor string) *Paginator {
	return &Paginator{
		client:   c,
		resource: resource,
		path:     path,
		query:    query,
		cursor:   startCursor,
	}
}

// Done reports whether the final page has been fetched.
func (p *Paginator) Done() bool {
	return p.done
}

// Cursor returns the token for the next page, empty once the walk completed
// or before the first page is fetched without a resume cursor.
func (p *Paginator) Cursor() string {
	return p.cursor
}

// Next fetches the next page. The next cursor is only known after the
// previous page completes, so pages within a resource are strictly ordered.
func (p *Paginator) Next(ctx context.Context) (*Envelope, error) {
	if p.done {
		return nil, fmt.Errorf("pagination for %s already complete", p.resource)
	}

	query := url.Values{}
	for k, vs := range p.query {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	if p.cursor != "" {
		query.Set("pagination_token", p.cursor)
	}

	envelope, err := p.client.GetPage(ctx, p.resource, p.path, query)
	if err != nil {
		return nil, err
	}

	p.cursor = envelope.Meta.NextToken
	if p.cursor == "" {
		p.done = true
	}
	return envelope, nil
}
