// Copyright 2024 The k8s-netem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flexe

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/ERIGrid2/k8s-netem/pkg/errkind"
)

// fidCounter hands out monotonic sequence numbers for outbound requests.
var fidCounter struct {
	mu   sync.Mutex
	next int
}

func nextFID() int {
	fidCounter.mu.Lock()
	defer fidCounter.mu.Unlock()
	fidCounter.next++
	return fidCounter.next
}

// Client owns the bidirectional websocket channel to the remote
// impairment engine. Per §5, one task owns the outbound socket, one the
// inbound socket, and a queue joins them to the caller (the reconciler,
// through a Controller).
type Client struct {
	conn   *websocket.Conn
	logger log.Logger

	outbound chan Envelope

	mu       sync.Mutex
	pushes   []func(Envelope)
}

// Dial opens the websocket connection at url and starts the reader and
// writer tasks.
func Dial(ctx context.Context, url string, logger log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dialing flexe engine")
	}

	c := &Client{conn: conn, logger: logger, outbound: make(chan Envelope, 16)}

	go c.writeLoop(ctx)
	go c.readLoop(ctx)

	return c, nil
}

// OnPush registers a callback invoked for every push-direction message
// (NewInterface, filter) received from the engine.
func (c *Client) OnPush(fn func(Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, fn)
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				level.Error(c.logger).Log("msg", "marshalling outbound flexe message", "err", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				level.Error(c.logger).Log("msg", "writing flexe message", "err", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			level.Error(c.logger).Log("msg", "flexe read loop closed", "err", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			level.Warn(c.logger).Log("msg", "malformed flexe frame", "err", errkind.Wrap(errkind.KindProtocol, err))
			continue
		}

		c.mu.Lock()
		pushes := append([]func(Envelope){}, c.pushes...)
		c.mu.Unlock()
		for _, fn := range pushes {
			fn(env)
		}
	}
}

// Send enqueues env on the outbound queue, non-blocking aside from the
// channel's buffer.
func (c *Client) Send(env Envelope) {
	c.outbound <- env
}

// SetFilters sends a SetFilters request binding mark to a packing key.
func (c *Client) SetFilters(req SetFiltersRequest) {
	if req.FID == 0 {
		req.FID = nextFID()
	}
	c.Send(Envelope{ID: IDSetFilters, Payload: req})
}

// RunApplication sends a RunApplication request. Passing a zero-value
// req with no Profiles/ProfileData is the "remove profile" form.
func (c *Client) RunApplication(req RunApplicationRequest) {
	if req.FID == 0 {
		req.FID = nextFID()
	}
	c.Send(Envelope{ID: IDRunApplication, Payload: req})
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	close(c.outbound)
	return c.conn.Close()
}
