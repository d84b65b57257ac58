// Package api exposes the operator-facing JSON endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/reconcile"
	"github.com/quantarb/pair-trader/internal/signal"
)

// Summary is the caller-facing execution summary. TotalTrades counts orders
// the venue executed, not closed round trips.
type Summary struct {
	TotalTrades    int                   `json:"totalTrades"`
	ClosedPairs    int                   `json:"closedPairs"`
	OpenPositions  int                   `json:"openPositions"`
	PendingSignals int                   `json:"pendingSignals"`
	RealizedPnL    float64               `json:"realizedPnl"`
	UnrealizedPnL  float64               `json:"unrealizedPnl"`
	TotalFees      float64               `json:"totalFees"`
	Orphans        int                   `json:"orphans"`
	Positions      []ledger.PairPosition `json:"positions"`
	GeneratedAt    time.Time             `json:"generatedAt"`
}

// Coordinator is the engine surface the API reads from.
type Coordinator interface {
	Ledger() *ledger.Ledger
	PendingSignals() int
}

// Server wires the operator endpoints over the coordinator and reconciler.
type Server struct {
	coordinator Coordinator
	reconciler  *reconcile.Reconciler
	mark        func(symbol string) float64
	signals     chan<- signal.TradeSignal
	logger      zerolog.Logger
}

func NewServer(c Coordinator, r *reconcile.Reconciler, mark func(symbol string) float64, logger zerolog.Logger) *Server {
	return &Server{
		coordinator: c,
		reconciler:  r,
		mark:        mark,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// AcceptSignals enables the signal intake endpoint, pushing accepted payloads
// onto ch. Without it POST /signals answers 503.
func (s *Server) AcceptSignals(ch chan<- signal.TradeSignal) {
	s.signals = ch
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/summary", s.summary)
	router.GET("/reconciliation", s.reconciliation)
	router.POST("/signals", s.ingestSignal)
	return router
}

// Run serves the API on addr. Blocks until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("api listening")
	return s.Router().Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) summary(c *gin.Context) {
	snap := s.coordinator.Ledger().Summary(s.mark)
	c.JSON(http.StatusOK, Summary{
		TotalTrades:    snap.ExecutedOrders,
		ClosedPairs:    snap.ClosedTrades,
		OpenPositions:  snap.OpenPairs,
		PendingSignals: s.coordinator.PendingSignals(),
		RealizedPnL:    snap.RealizedPnL,
		UnrealizedPnL:  snap.UnrealizedPnL,
		TotalFees:      snap.TotalFees,
		Orphans:        snap.Orphans,
		Positions:      snap.Positions,
		GeneratedAt:    snap.GeneratedAt,
	})
}

type signalRequest struct {
	PairX      string  `json:"pairX" binding:"required"`
	PairY      string  `json:"pairY" binding:"required"`
	Type       string  `json:"type" binding:"required"`
	ZScore     float64 `json:"zScore"`
	Confidence float64 `json:"confidence"`
	HedgeRatio float64 `json:"hedgeRatio"`
}

func (s *Server) ingestSignal(c *gin.Context) {
	if s.signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal intake disabled"})
		return
	}
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	typ := signal.Type(req.Type)
	switch typ {
	case signal.TypeBuy, signal.TypeSell, signal.TypeExit:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be buy, sell or exit"})
		return
	}
	sig := signal.TradeSignal{
		PairX:      req.PairX,
		PairY:      req.PairY,
		Type:       typ,
		ZScore:     req.ZScore,
		Confidence: req.Confidence,
		HedgeRatio: req.HedgeRatio,
		Time:       time.Now().UTC(),
	}
	select {
	case s.signals <- sig:
		s.logger.Info().Str("pair_x", sig.PairX).Str("pair_y", sig.PairY).
			Str("type", req.Type).Msg("signal accepted")
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal queue full"})
	}
}

func (s *Server) reconciliation(c *gin.Context) {
	report := s.reconciler.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation has run"})
		return
	}
	c.JSON(http.StatusOK, report)
}
