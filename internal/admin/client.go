package admin

import (
	"context"
	"strings"
	"time"

	"fixengine/internal/errors"
	"fixengine/pkg/exception"
	"fixengine/pkg/uds"
)

// Client sends one command per call to the admin socket.
type Client struct {
	cli     *uds.Client
	timeout time.Duration
}

func NewClient(path string, timeout time.Duration) (*Client, error) {
	cli, err := uds.NewClient(path)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{cli: cli, timeout: timeout}, nil
}

// Do sends the command words and decodes the reply. A reply with ok=false is
// returned together with an error carrying its text.
func (c *Client) Do(ctx context.Context, words ...string) (Response, error) {
	if len(words) == 0 {
		return Response{}, exception.ErrAdminUnknownCommand
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp Response
	if err := c.cli.Call(ctx, strings.Join(words, " "), &resp); err != nil {
		return Response{}, errors.Wrap(err, "call "+c.cli.Path())
	}
	if !resp.OK {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}
