// Package rpc implements the monerod JSON-RPC client used for template
// fetching and block submission.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrDaemon wraps an error object returned inside a JSON-RPC response.
type ErrDaemon struct {
	Code    int
	Message string
}

func (e *ErrDaemon) Error() string {
	return fmt.Sprintf("daemon rpc error %d: %s", e.Code, e.Message)
}

// Client talks to a local monerod over HTTP JSON-RPC.
type Client struct {
	client *http.Client
	url    *url.URL
}

// New creates a client for the given RPC base URL (may contain userinfo).
func New(rawURL string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	if !strings.HasSuffix(parsed.Path, "/json_rpc") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/json_rpc"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{client: &http.Client{Timeout: timeout}, url: parsed}, nil
}

type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResp struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// BlockTemplate mirrors the get_block_template result fields the coordinator uses.
type BlockTemplate struct {
	BlockhashingBlob  string `json:"blockhashing_blob"`
	BlocktemplateBlob string `json:"blocktemplate_blob"`
	Difficulty        uint64 `json:"difficulty"`
	ExpectedReward    uint64 `json:"expected_reward"`
	Height            uint64 `json:"height"`
	PrevHash          string `json:"prev_hash"`
	ReservedOffset    int    `json:"reserved_offset"`
	SeedHash          string `json:"seed_hash"`
	Status            string `json:"status"`
}

// DaemonInfo mirrors the get_info result fields the coordinator uses.
type DaemonInfo struct {
	Height       uint64 `json:"height"`
	TopBlockHash string `json:"top_block_hash"`
	Status       string `json:"status"`
	Version      string `json:"version"`
}

// SubmitResult is the decoded submit_block response.
type SubmitResult struct {
	Status string `json:"status"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcReq{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.url.User != nil {
		pw, _ := c.url.User.Password()
		req.SetBasicAuth(c.url.User.Username(), pw)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc status %d: %s", resp.StatusCode, string(data))
	}
	var rresp rpcResp
	if err := json.Unmarshal(data, &rresp); err != nil {
		return fmt.Errorf("rpc decode: %w", err)
	}
	if rresp.Error != nil {
		return &ErrDaemon{Code: rresp.Error.Code, Message: rresp.Error.Message}
	}
	if rresp.Result == nil {
		return errors.New("rpc response missing result")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rresp.Result, out); err != nil {
		return fmt.Errorf("rpc result decode: %w", err)
	}
	return nil
}

// GetBlockTemplate fetches a fresh template reserving reserveSize bytes.
func (c *Client) GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*BlockTemplate, error) {
	params := map[string]any{
		"wallet_address": walletAddress,
		"reserve_size":   reserveSize,
	}
	var tmpl BlockTemplate
	if err := c.call(ctx, "get_block_template", params, &tmpl); err != nil {
		return nil, err
	}
	if tmpl.Status != "OK" {
		return nil, fmt.Errorf("get_block_template status %q", tmpl.Status)
	}
	return &tmpl, nil
}

// SubmitBlock submits the assembled block blob. A nil error means the daemon
// accepted the block; a daemon-side rejection comes back as *ErrDaemon.
func (c *Client) SubmitBlock(ctx context.Context, blockBlobHex string) error {
	var res SubmitResult
	if err := c.call(ctx, "submit_block", []string{blockBlobHex}, &res); err != nil {
		return err
	}
	if res.Status != "OK" {
		return &ErrDaemon{Message: res.Status}
	}
	return nil
}

// GetInfo returns daemon chain state; used to watch for height changes
// between full template refreshes.
func (c *Client) GetInfo(ctx context.Context) (*DaemonInfo, error) {
	var info DaemonInfo
	if err := c.call(ctx, "get_info", struct{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
