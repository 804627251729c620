package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/roach88/ava/internal/calls"
)

const callsPath = "/api/v1/calls"

// ListOptions filters a call listing.
type ListOptions struct {
	// Limit caps the number of calls returned. Zero uses the server default.
	Limit int

	// Status keeps only calls with this status when non-empty.
	Status string
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	return q
}

// ListCalls fetches the call history.
func (c *Client) ListCalls(ctx context.Context, opts ListOptions) (calls.ListResponse, error) {
	var resp calls.ListResponse
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   callsPath,
		query:  opts.query(),
		auth:   true,
		label:  "calls.list",
	}, &resp)
	if err != nil {
		return calls.ListResponse{}, err
	}
	return resp, nil
}

// GetCall fetches one call with its transcript.
func (c *Client) GetCall(ctx context.Context, id string) (calls.Detail, error) {
	if id == "" {
		return calls.Detail{}, errors.New("get call: empty id")
	}
	var detail calls.Detail
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   callsPath + "/" + url.PathEscape(id),
		auth:   true,
		label:  "calls.get",
	}, &detail)
	if err != nil {
		return calls.Detail{}, err
	}
	return detail, nil
}

// DeleteCall removes a call on the server.
func (c *Client) DeleteCall(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("delete call: empty id")
	}
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   callsPath + "/" + url.PathEscape(id),
		auth:   true,
		label:  "calls.delete",
	}, nil)
}
