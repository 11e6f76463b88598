// Copyright 2025 RXinDexer Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package node implements the JSON-RPC client for the trusted Radiant
// full node: typed chain queries over a pooled HTTP transport with rate
// limiting, retry with backoff, and a circuit breaker.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rxindexer/rxindexer/internal/config"
	"github.com/rxindexer/rxindexer/internal/logging"
	"github.com/rxindexer/rxindexer/internal/metrics"
)

var (
	// ErrNodeUnavailable is returned while the circuit is open
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrHeightBeyondTip is returned by BlockHash for heights past the tip
	ErrHeightBeyondTip = errors.New("height beyond tip")
)

// rpcErrHeightOutOfRange is the node's error code for getblockhash past
// the tip
const rpcErrHeightOutOfRange = -8

// rpcErrWarmingUp is returned while the node loads its block index
const rpcErrWarmingUp = -28

// RPCError is a structured error returned by the node
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// httpError is a non-200 response without a decodable JSON-RPC body
type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.status)
}

type rpcRequest struct {
	JsonRpc string `json:"jsonrpc"`
	Id      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Id     uint64          `json:"id"`
}

// Client talks to the Radiant node. It is safe for concurrent use; the
// underlying transport pools connections up to the configured pool size and
// the rate limiter is shared across the pool.
type Client struct {
	logger      *slog.Logger
	url         string
	user        string
	password    string
	timeout     time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	minInterval *rate.Limiter
	breaker     *breaker
	cache       *blockCache
	tipGroup    singleflight.Group
	requestId   atomic.Uint64
}

func NewClient() (*Client, error) {
	cfg := config.GetConfig()
	poolSize := int(cfg.Node.RpcPoolSize)
	if poolSize < 1 {
		poolSize = 1
	}
	client := &Client{
		logger: logging.GetLogger().
			With("component", "node"),
		url:      cfg.Node.RpcUrl,
		user:     cfg.Node.RpcUser,
		password: cfg.Node.RpcPassword,
		timeout:  time.Duration(cfg.Node.RpcTimeoutSecs) * time.Second,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        poolSize,
				MaxIdleConnsPerHost: poolSize,
				MaxConnsPerHost:     poolSize,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: newBreaker(
			int(cfg.Node.CircuitFailureThreshold),
			time.Duration(cfg.Node.CircuitResetTimeoutSecs)*time.Second,
			time.Duration(cfg.Node.CircuitHalfOpenTimeoutSecs)*time.Second,
		),
	}
	if cfg.Node.RpcRateLimitRps > 0 {
		client.limiter = rate.NewLimiter(
			rate.Limit(cfg.Node.RpcRateLimitRps),
			poolSize,
		)
	}
	if cfg.Node.RpcMinRequestIntervalMs > 0 {
		client.minInterval = rate.NewLimiter(
			rate.Every(
				time.Duration(cfg.Node.RpcMinRequestIntervalMs)*time.Millisecond,
			),
			1,
		)
	}
	if cfg.Node.BlockCacheEnabled {
		cache, err := newBlockCache(cfg.Storage.Directory)
		if err != nil {
			return nil, fmt.Errorf("opening block cache: %w", err)
		}
		client.cache = cache
	}
	return client, nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// TipHeight returns the node's best block height. Concurrent calls are
// coalesced into a single RPC request.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	val, err, _ := c.tipGroup.Do("tip", func() (any, error) {
		var height int64
		if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
			return nil, err
		}
		return height, nil
	})
	if err != nil {
		return 0, err
	}
	return val.(int64), nil
}

// BlockHash returns the canonical block hash at a height, or
// ErrHeightBeyondTip when the node has no block there
func (c *Client) BlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := c.call(ctx, "getblockhash", []any{height}, &hash)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcErrHeightOutOfRange {
		return "", fmt.Errorf("height %d: %w", height, ErrHeightBeyondTip)
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Block fetches a block with fully decoded transactions (verbosity 2).
// When the block cache is enabled the raw payload is served from and
// persisted to it, keyed by hash so reorged blocks can never collide.
func (c *Client) Block(ctx context.Context, hash string) (*Block, error) {
	if c.cache != nil {
		if raw, ok := c.cache.Get(hash); ok {
			var block Block
			if err := json.Unmarshal(raw, &block); err == nil {
				return &block, nil
			}
			// Fall through to the node on a corrupt entry
			c.logger.Warn("discarding corrupt block cache entry", "hash", hash)
		}
	}
	var raw json.RawMessage
	if err := c.call(ctx, "getblock", []any{hash, 2}, &raw); err != nil {
		return nil, err
	}
	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decoding block %s: %w", hash, err)
	}
	if c.cache != nil {
		if err := c.cache.Set(hash, raw); err != nil {
			c.logger.Warn(
				"failed to cache block",
				"hash", hash,
				"error", err,
			)
		}
	}
	return &block, nil
}

// RawTransaction fetches a single decoded transaction. Used as a fallback
// when the verbose block payload omits scriptSig bytes for a reveal.
func (c *Client) RawTransaction(
	ctx context.Context,
	txid string,
) (*Transaction, error) {
	var tx Transaction
	if err := c.call(ctx, "getrawtransaction", []any{txid, true}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) call(
	ctx context.Context,
	method string,
	params []any,
	result any,
) error {
	operation := func() error {
		if !c.breaker.allow() {
			return backoff.Permanent(ErrNodeUnavailable)
		}
		if err := c.waitForSlot(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.doRequest(ctx, method, params, result)
		if err == nil {
			c.breaker.success()
			metrics.RpcRequests.WithLabelValues(method, "ok").Inc()
			return nil
		}
		c.breaker.failure()
		metrics.RpcRequests.WithLabelValues(method, "error").Inc()
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug(
			"retrying RPC request",
			"method", method,
			"error", err,
		)
		return err
	}
	return backoff.Retry(operation, c.backoffPolicy(ctx, method))
}

// backoffPolicy tiers retry schedules by method cost: block fetches throttle
// harder than cheap header calls
func (c *Client) backoffPolicy(
	ctx context.Context,
	method string,
) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	var maxRetries uint64
	if method == "getblock" || method == "getrawtransaction" {
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 30 * time.Second
		maxRetries = 5
	} else {
		policy.InitialInterval = 100 * time.Millisecond
		policy.MaxInterval = 5 * time.Second
		maxRetries = 3
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(policy, maxRetries),
		ctx,
	)
}

func (c *Client) waitForSlot(ctx context.Context) error {
	if c.minInterval != nil {
		if err := c.minInterval.Wait(ctx); err != nil {
			return err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) doRequest(
	ctx context.Context,
	method string,
	params []any,
	result any,
) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JsonRpc: "1.0",
		Id:      c.requestId.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		c.url,
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc %s: reading response: %w", method, err)
	}
	// The node wraps RPC errors in 500 responses, so decode the body
	// before judging the status code
	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &httpError{status: resp.StatusCode}
		}
		return fmt.Errorf("rpc %s: decoding response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("rpc %s: decoding result: %w", method, err)
		}
	}
	return nil
}

// retryable classifies transient failures: transport errors, 5xx/429
// responses, and the node's warming-up error
func retryable(err error) bool {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.status == http.StatusTooManyRequests ||
			httpErr.status >= 500
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == rpcErrWarmingUp
	}
	// Anything else at this level is a transport failure
	return true
}
