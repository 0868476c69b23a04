// Package server exposes the engine's control API: submitting open/close
// requests, inspecting positions and monitored transactions, and running
// ad-hoc swap verification.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/blockchain"
	"solana-position-engine/internal/engine"
	"solana-position-engine/internal/monitor"
	"solana-position-engine/internal/storage"
	"solana-position-engine/internal/verifier"
)

// Server runs the HTTP control API
type Server struct {
	app        *fiber.App
	controller *engine.Controller
	monitor    *monitor.Monitor
	verify     *verifier.Verifier
	txs        engine.TxReader
	db         *storage.DB
	snapshots  *blockchain.SnapshotService
	wallet     string
	baseMint   string
	host       string
	port       int
	startedAt  time.Time
}

func New(host string, port int, controller *engine.Controller, mon *monitor.Monitor, v *verifier.Verifier, txs engine.TxReader, db *storage.DB, snapshots *blockchain.SnapshotService, wallet, baseMint string) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	s := &Server{
		app:        app,
		controller: controller,
		monitor:    mon,
		verify:     v,
		txs:        txs,
		db:         db,
		snapshots:  snapshots,
		wallet:     wallet,
		baseMint:   baseMint,
		host:       host,
		port:       port,
		startedAt:  time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/positions", s.handlePositions)
	// Registered ahead of :mint so "closed" is not captured as a param
	s.app.Get("/positions/closed", s.handleClosedPositions)
	s.app.Get("/positions/:mint", s.handlePosition)
	s.app.Post("/open", s.handleOpen)
	s.app.Post("/close", s.handleClose)
	s.app.Get("/trades", s.handleTrades)
	s.app.Get("/stats", s.handleStats)
	s.app.Get("/monitor", s.handleMonitor)
	s.app.Post("/verify", s.handleVerify)
	s.app.Get("/balance/:mint", s.handleBalance)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":        "ok",
		"time":          time.Now().Unix(),
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"openPositions": len(s.controller.Positions()),
	})
}

func (s *Server) handlePositions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"positions": s.controller.Positions()})
}

func (s *Server) handleClosedPositions(c *fiber.Ctx) error {
	if s.db == nil {
		return c.JSON(fiber.Map{"positions": []any{}})
	}
	limit := c.QueryInt("limit", 50)
	rows, err := s.db.GetClosedPositions(limit)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"positions": rows})
}

func (s *Server) handlePosition(c *fiber.Ctx) error {
	mint := c.Params("mint")
	for _, p := range s.controller.Positions() {
		if p.Mint == mint {
			return c.JSON(p)
		}
	}
	return c.Status(404).JSON(fiber.Map{"error": "position not found"})
}

type openRequest struct {
	Mint  string  `json:"mint"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

func (s *Server) handleOpen(c *fiber.Ctx) error {
	var req openRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.Mint == "" {
		return c.Status(400).JSON(fiber.Map{"error": "mint required"})
	}

	sig, err := s.controller.Open(c.Context(), req.Mint, req.Price, req.Size)
	if err != nil {
		return rejectionResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "submitted", "signature": sig})
}

type closeRequest struct {
	Mint   string  `json:"mint"`
	Price  float64 `json:"price"`
	Reason string  `json:"reason"`
}

func (s *Server) handleClose(c *fiber.Ctx) error {
	var req closeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.Mint == "" {
		return c.Status(400).JSON(fiber.Map{"error": "mint required"})
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	sig, err := s.controller.Close(c.Context(), req.Mint, req.Price, req.Reason)
	if err != nil {
		return rejectionResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "submitted", "signature": sig})
}

// rejectionResponse maps lifecycle rejections onto HTTP statuses
func rejectionResponse(c *fiber.Ctx, err error) error {
	status := 500
	switch {
	case errors.Is(err, engine.ErrInvalidPrice), errors.Is(err, engine.ErrInvalidSignature):
		status = 400
	case errors.Is(err, engine.ErrNotFound):
		status = 404
	case errors.Is(err, engine.ErrAlreadyOpen), errors.Is(err, engine.ErrAlreadyClosing),
		errors.Is(err, engine.ErrDuplicateSuppressed), errors.Is(err, engine.ErrNothingToSell):
		status = 409
	case errors.Is(err, engine.ErrCooldownActive), errors.Is(err, engine.ErrCapacityExceeded):
		status = 429
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleTrades(c *fiber.Ctx) error {
	if s.db == nil {
		return c.JSON(fiber.Map{"trades": []any{}})
	}
	limit := c.QueryInt("limit", 50)
	trades, err := s.db.GetRecentTrades(limit)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"trades": trades})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	resp := fiber.Map{"engine": s.controller.Metrics().Stats()}
	if s.db != nil {
		total, winRate, totalPnL, err := s.db.GetTradingStats()
		if err == nil {
			resp["trading"] = fiber.Map{
				"totalTrades": total,
				"winRate":     winRate,
				"totalPnl":    totalPnL,
			}
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleMonitor(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"pending": s.monitor.Snapshot()})
}

type verifyRequest struct {
	Signature     string  `json:"signature"`
	Mint          string  `json:"mint"`
	Direction     string  `json:"direction"` // "buy" or "sell"
	ExpectedPrice float64 `json:"expectedPrice"`
}

// handleVerify runs the consensus verifier against an arbitrary signature
func (s *Server) handleVerify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.Signature == "" || req.Mint == "" {
		return c.Status(400).JSON(fiber.Map{"error": "signature and mint required"})
	}
	if req.Direction != verifier.DirectionBuy && req.Direction != verifier.DirectionSell {
		return c.Status(400).JSON(fiber.Map{"error": "direction must be buy or sell"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	detail, err := s.txs.GetTransaction(ctx, req.Signature)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": fmt.Sprintf("transaction: %v", err)})
	}

	intent := verifier.SwapIntent{
		WalletAddress: s.wallet,
		Direction:     req.Direction,
		ExpectedPrice: req.ExpectedPrice,
	}
	if req.Direction == verifier.DirectionBuy {
		intent.InputMint = s.baseMint
		intent.OutputMint = req.Mint
	} else {
		intent.InputMint = req.Mint
		intent.OutputMint = s.baseMint
	}

	return c.JSON(s.verify.Verify(detail, intent))
}

// handleBalance takes a live balance snapshot for one mint
func (s *Server) handleBalance(c *fiber.Ctx) error {
	if s.snapshots == nil {
		return c.Status(503).JSON(fiber.Map{"error": "snapshot service unavailable"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := s.snapshots.Take(ctx, c.Params("mint"))
	if err != nil {
		return c.Status(502).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"wallet":         s.wallet,
		"mint":           snap.Mint,
		"nativeLamports": snap.NativeLamports,
		"tokenRaw":       snap.TokenRaw,
		"takenAt":        snap.TakenAt.Unix(),
	})
}

// Start starts the HTTP server (blocking)
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting control server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
