// RELAY - Federated Secure Message Relay
// Copyright (C) 2025 RELAY-X-project
//
// This file is part of RELAY.
//
// RELAY is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// RELAY is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with RELAY. If not, see <https://www.gnu.org/licenses/>.

// Package client is the proxy-side SDK for the relay broker: it signs
// envelopes, posts tasks and socket requests, long-polls tasks and results
// and dials tunnels. Body encryption is layered on top with client/hybrid.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/msgjwt"
)

// Client talks to one broker on behalf of one app or proxy.
type Client struct {
	baseURL string
	signer  *msgjwt.Signer
	http    *http.Client
}

// New builds a client for the broker at baseURL.
func New(baseURL string, signer *msgjwt.Signer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http:    &http.Client{},
	}
}

// WithHTTPClient swaps the underlying HTTP client (timeouts, transports).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Block mirrors the broker's wait parameters.
type Block struct {
	WaitCount uint
	WaitTime  time.Duration
}

func (b Block) query(q url.Values) {
	if b.WaitCount > 0 {
		q.Set("wait_count", strconv.FormatUint(uint64(b.WaitCount), 10))
	}
	if b.WaitTime > 0 {
		q.Set("wait_time", b.WaitTime.String())
	}
}

// SignedTask is the wire form of a listed task.
type SignedTask struct {
	Msg envelope.TaskRequest `json:"msg"`
	Sig string               `json:"sig"`
}

// SignedResult is the wire form of a polled result.
type SignedResult struct {
	Msg envelope.TaskResult `json:"msg"`
	Sig string              `json:"sig"`
}

// do signs and runs one request; msg may be nil for bodyless calls.
func (c *Client) do(ctx context.Context, method, path string, msg envelope.Message) (*http.Response, error) {
	var bodyJWT string
	var reader io.Reader
	if msg != nil {
		token, err := c.signer.SignEnvelope(msg)
		if err != nil {
			return nil, err
		}
		bodyJWT = token
		reader = strings.NewReader(token)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := c.signer.SignRequest(req, bodyJWT); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// PostTask publishes a signed encrypted task. The body must already be
// sealed; the broker stores it opaquely.
func (c *Client) PostTask(ctx context.Context, task *envelope.TaskRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/tasks", task)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// ListTasks long-polls tasks matching the query. Partial reports whether the
// broker answered 206 (deadline before count).
func (c *Client) ListTasks(ctx context.Context, q TaskQuery, block Block) (tasks []SignedTask, partial bool, err error) {
	vals := url.Values{}
	q.apply(vals)
	block.query(vals)
	resp, err := c.do(ctx, http.MethodGet, "/v1/tasks?"+vals.Encode(), nil)
	if err != nil {
		return nil, false, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		return nil, false, statusError(resp)
	}
	if err := decodeJSON(resp, &tasks); err != nil {
		return nil, false, err
	}
	return tasks, resp.StatusCode == http.StatusPartialContent, nil
}

// TaskQuery selects tasks by issuer, recipient and open-work state.
type TaskQuery struct {
	From string
	To   string
	// Todo restricts to tasks the caller has not closed out yet.
	Todo bool
}

func (q TaskQuery) apply(vals url.Values) {
	if q.From != "" {
		vals.Set("from", q.From)
	}
	if q.To != "" {
		vals.Set("to", q.To)
	}
	if q.Todo {
		vals.Set("filter", "todo")
	}
}

// PutResult submits or replaces this worker's result on a task. Created
// reports whether it was the first from this worker.
func (c *Client) PutResult(ctx context.Context, result *envelope.TaskResult) (created bool, err error) {
	path := fmt.Sprintf("/v1/tasks/%s/results/%s", result.Task, result.From)
	resp, err := c.do(ctx, http.MethodPut, path, result)
	if err != nil {
		return false, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusNoContent:
		return false, nil
	default:
		return false, statusError(resp)
	}
}

// PollResults long-polls results of a task this client issued.
func (c *Client) PollResults(ctx context.Context, taskID envelope.MsgID, block Block) (results []SignedResult, partial bool, err error) {
	vals := url.Values{}
	block.query(vals)
	path := fmt.Sprintf("/v1/tasks/%s/results?%s", taskID, vals.Encode())
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		return nil, false, statusError(resp)
	}
	if err := decodeJSON(resp, &results); err != nil {
		return nil, false, err
	}
	return results, resp.StatusCode == http.StatusPartialContent, nil
}

// PostSocket publishes a socket request, the shell of a tunnel rendezvous.
func (c *Client) PostSocket(ctx context.Context, sock *envelope.SocketRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/sockets", sock)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// DialSocket connects this party's end of the tunnel. The call blocks until
// the peer arrives or ctx ends.
func (c *Client) DialSocket(ctx context.Context, id envelope.MsgID) (*websocket.Conn, error) {
	path := "/v1/sockets/" + id.String()

	// Sign against the URI the websocket handshake will request.
	probe, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build socket request: %w", err)
	}
	if err := c.signer.SignRequest(probe, ""); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", probe.Header.Get("Authorization"))
	header.Set("Date", probe.Header.Get("Date"))

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + path
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("socket dial: %w", err)
	}
	return conn, nil
}
