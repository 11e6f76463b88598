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

// Package api serves the read-only HTTP API. All amounts cross the wire as
// decimal strings with exactly 8 fractional digits; photon values never
// leak as JSON numbers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rxindexer/rxindexer/internal/common"
	"github.com/rxindexer/rxindexer/internal/config"
	"github.com/rxindexer/rxindexer/internal/logging"
	"github.com/rxindexer/rxindexer/internal/metrics"
	"github.com/rxindexer/rxindexer/internal/parser"
	"github.com/rxindexer/rxindexer/internal/query"
	"github.com/rxindexer/rxindexer/internal/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type Server struct {
	logger  *slog.Logger
	service *query.Service
	server  *http.Server
}

func NewServer(service *query.Service) *Server {
	cfg := config.GetConfig()
	s := &Server{
		logger: logging.GetLogger().
			With("component", "api"),
		service: service,
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())
	s.registerRoutes(router)
	s.server = &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d", cfg.Api.ListenAddress, cfg.Api.ListenPort,
		),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/address/:address/balance", s.handleBalance)
	router.GET("/address/:address/utxos", s.handleUtxos)
	router.GET("/transaction/:txid", s.handleTransaction)
	router.GET("/token/:ref", s.handleToken)
	router.GET("/holders/count/:asset", s.handleHolderCount)
	router.GET("/block/:height/transactions", s.handleBlockTxs)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Start blocks serving requests until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.Info("starting API listener", "address", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// observe records per-request metrics keyed by route pattern, not the raw
// URL, so label cardinality stays bounded
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.ApiRequests.WithLabelValues(
			path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.ApiDuration.Observe(time.Since(start).Seconds())
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// fail maps service errors onto HTTP statuses
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		c.JSON(
			http.StatusServiceUnavailable,
			errorResponse{Error: "request cancelled"},
		)
	default:
		s.logger.Error(
			"request failed",
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(
			http.StatusInternalServerError,
			errorResponse{Error: "internal error"},
		)
	}
}

type balanceResponse struct {
	Address     string            `json:"address"`
	RxdBalance  string            `json:"rxd_balance"`
	GlyphTokens map[string]string `json:"glyph_tokens"`
	UtxoCount   int64             `json:"utxo_count"`
}

func (s *Server) handleBalance(c *gin.Context) {
	balance, err := s.service.GetBalance(
		c.Request.Context(), c.Param("address"),
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	tokens := make(map[string]string, len(balance.TokenBalances))
	for ref, amount := range balance.TokenBalances {
		tokens[ref] = amount.String()
	}
	c.JSON(http.StatusOK, balanceResponse{
		Address:     balance.Address,
		RxdBalance:  balance.RxdBalance.String(),
		GlyphTokens: tokens,
		UtxoCount:   balance.UtxoCount,
	})
}

type utxoResponse struct {
	TxID        string `json:"txid"`
	Vout        uint32 `json:"vout"`
	Address     string `json:"address,omitempty"`
	Amount      string `json:"amount"`
	TokenRef    string `json:"token_ref,omitempty"`
	Spent       bool   `json:"spent"`
	SpentBy     string `json:"spent_by,omitempty"`
	BlockHeight int64  `json:"block_height"`
}

type pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

type utxoListResponse struct {
	Address    string         `json:"address"`
	Utxos      []utxoResponse `json:"utxos"`
	Pagination pagination     `json:"pagination"`
}

func toUtxoResponses(utxos []storage.Utxo) []utxoResponse {
	out := make([]utxoResponse, 0, len(utxos))
	for _, u := range utxos {
		out = append(out, utxoResponse{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Address:     u.Address,
			Amount:      u.Amount.String(),
			TokenRef:    u.TokenRef,
			Spent:       u.Spent,
			SpentBy:     u.SpentBy,
			BlockHeight: u.BlockHeight,
		})
	}
	return out
}

func (s *Server) handleUtxos(c *gin.Context) {
	address := c.Param("address")
	unspentOnly := c.DefaultQuery("unspent_only", "true") != "false"
	page, pageSize, ok := s.paging(c)
	if !ok {
		return
	}
	utxos, total, err := s.service.ListUtxos(
		c.Request.Context(), address, unspentOnly, page, pageSize,
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, utxoListResponse{
		Address: address,
		Utxos:   toUtxoResponses(utxos),
		Pagination: pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

type transactionResponse struct {
	TxID         string         `json:"txid"`
	BlockHash    string         `json:"block_hash"`
	BlockHeight  int64          `json:"block_height"`
	IndexInBlock int            `json:"index_in_block"`
	Timestamp    int64          `json:"timestamp"`
	Size         int            `json:"size"`
	LockTime     uint32         `json:"locktime"`
	Inputs       []utxoResponse `json:"inputs"`
	Outputs      []utxoResponse `json:"outputs"`
}

func (s *Server) handleTransaction(c *gin.Context) {
	detail, err := s.service.GetTransaction(
		c.Request.Context(), c.Param("txid"),
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, transactionResponse{
		TxID:         detail.TxID,
		BlockHash:    detail.BlockHash,
		BlockHeight:  detail.BlockHeight,
		IndexInBlock: detail.IndexInBlock,
		Timestamp:    detail.Timestamp,
		Size:         detail.Size,
		LockTime:     detail.LockTime,
		Inputs:       toUtxoResponses(detail.Inputs),
		Outputs:      toUtxoResponses(detail.Outputs),
	})
}

type tokenResponse struct {
	Ref                string `json:"ref"`
	Type               string `json:"type"`
	Protocols          []int  `json:"protocols,omitempty"`
	Name               string `json:"name,omitempty"`
	Ticker             string `json:"ticker,omitempty"`
	Decimals           uint8  `json:"decimals"`
	Supply             uint64 `json:"supply,omitempty"`
	GenesisTxID        string `json:"genesis_txid"`
	GenesisBlockHeight int64  `json:"genesis_block_height"`
	CurrentTxID        string `json:"current_txid"`
	CurrentVout        uint32 `json:"current_vout"`
}

func (s *Server) handleToken(c *gin.Context) {
	ref := parser.NormalizeRef(c.Param("ref"))
	token, err := s.service.GetToken(c.Request.Context(), string(ref))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		Ref:                token.Ref,
		Type:               token.Type,
		Protocols:          token.Protocols,
		Name:               token.Name,
		Ticker:             token.Ticker,
		Decimals:           token.Decimals,
		Supply:             token.Supply,
		GenesisTxID:        token.GenesisTxID,
		GenesisBlockHeight: token.GenesisBlockHeight,
		CurrentTxID:        token.CurrentTxID,
		CurrentVout:        token.CurrentVout,
	})
}

type holderCountResponse struct {
	Asset       string `json:"asset"`
	MinBalance  string `json:"min_balance"`
	HolderCount int64  `json:"holder_count"`
}

func (s *Server) handleHolderCount(c *gin.Context) {
	asset := c.Param("asset")
	if asset != "RXD" {
		asset = string(parser.NormalizeRef(asset))
	}
	minBalance := common.Amount(0)
	if raw := c.Query("min_balance"); raw != "" {
		parsed, err := common.ParseAmount(raw)
		if err != nil {
			c.JSON(
				http.StatusBadRequest,
				errorResponse{Error: "invalid min_balance"},
			)
			return
		}
		minBalance = parsed
	}
	count, err := s.service.CountHolders(
		c.Request.Context(), asset, minBalance,
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, holderCountResponse{
		Asset:       asset,
		MinBalance:  minBalance.String(),
		HolderCount: count,
	})
}

type txSummaryResponse struct {
	TxID         string `json:"txid"`
	IndexInBlock int    `json:"index_in_block"`
	InputCount   int    `json:"input_count"`
	OutputCount  int    `json:"output_count"`
}

type blockTxsResponse struct {
	Height       int64               `json:"height"`
	Transactions []txSummaryResponse `json:"transactions"`
	Page         int                 `json:"page"`
	PageSize     int                 `json:"page_size"`
	Total        int64               `json:"total"`
}

func (s *Server) handleBlockTxs(c *gin.Context) {
	height, err := strconv.ParseInt(c.Param("height"), 10, 64)
	if err != nil || height < 0 {
		c.JSON(
			http.StatusBadRequest,
			errorResponse{Error: "invalid height"},
		)
		return
	}
	page, pageSize, ok := s.paging(c)
	if !ok {
		return
	}
	summaries, total, err := s.service.GetBlockTxs(
		c.Request.Context(), height, page, pageSize,
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]txSummaryResponse, 0, len(summaries))
	for _, summary := range summaries {
		out = append(out, txSummaryResponse{
			TxID:         summary.TxID,
			IndexInBlock: summary.IndexInBlock,
			InputCount:   summary.InputCount,
			OutputCount:  summary.OutputCount,
		})
	}
	c.JSON(http.StatusOK, blockTxsResponse{
		Height:       height,
		Transactions: out,
		Page:         page,
		PageSize:     pageSize,
		Total:        total,
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	TipHeight int64  `json:"tip_height"`
	TipHash   string `json:"tip_hash,omitempty"`
	IsSyncing bool   `json:"is_syncing"`
	LastError string `json:"last_error,omitempty"`
}

// handleHealth reports indexer progress. A recorded sync error answers 503;
// trailing the node tip is normal operation and stays 200.
func (s *Server) handleHealth(c *gin.Context) {
	status, err := s.service.SyncStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := healthResponse{
		Status:    "ok",
		TipHeight: status.Height,
		TipHash:   status.Hash,
		IsSyncing: status.IsSyncing,
		LastError: status.LastError,
	}
	if status.LastError != "" {
		resp.Status = "error"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	if status.IsSyncing {
		resp.Status = "syncing"
	}
	c.JSON(http.StatusOK, resp)
}

// paging parses page/page_size, writing the error response itself on bad
// input
func (s *Server) paging(c *gin.Context) (int, int, bool) {
	page := 1
	pageSize := defaultPageSize
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(
				http.StatusBadRequest,
				errorResponse{Error: "invalid page"},
			)
			return 0, 0, false
		}
		page = parsed
	}
	if raw := c.Query("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxPageSize {
			c.JSON(
				http.StatusBadRequest,
				errorResponse{Error: "invalid page_size"},
			)
			return 0, 0, false
		}
		pageSize = parsed
	}
	return page, pageSize, true
}
