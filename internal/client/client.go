// Package client implements the requesting side of the protocol: one
// connection, one token, one response.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Xilinx/fpga-server/internal/model"
)

var ErrInvalidCount = errors.New("invalid request count")

type Client struct {
	addr        string
	token       []byte
	maxResponse int
	dialTimeout time.Duration
	readTimeout time.Duration
}

func New(cfg model.Client) *Client {
	maxResponse := cfg.MaxResponse
	if maxResponse <= 0 {
		maxResponse = 4096
	}
	token := cfg.Token
	if token == "" {
		token = model.TokenHello
	}
	return &Client{
		addr:        model.DialAddr(cfg.Address, cfg.Port),
		token:       []byte(token),
		maxResponse: maxResponse,
		dialTimeout: cfg.DialTimeout.Std(),
		readTimeout: cfg.ReadTimeout.Std(),
	}
}

func (c *Client) Addr() string {
	return c.addr
}

// Send performs a single exchange. The response is read by one call, at most
// maxResponse bytes, what the server writes later is lost.
func (c *Client) Send(ctx context.Context) ([]byte, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	slog.DebugContext(ctx, "sending request", "addr", c.addr, "token", string(c.token))
	if _, err := conn.Write(c.token); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if c.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
	}
	buf := make([]byte, c.maxResponse)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return buf[:n], nil
}

// SendMany performs n independent exchanges, at most parallel of them at
// once. Responses are returned in request order. The first error cancels the
// exchanges not yet started. n == 0 sends nothing.
func (c *Client) SendMany(ctx context.Context, n, parallel int) ([][]byte, error) {
	switch {
	case n < 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, n)
	case n == 0:
		return nil, nil
	}
	if parallel <= 0 {
		parallel = 1
	}
	resps := make([][]byte, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp, err := c.Send(gctx)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resps, nil
}
