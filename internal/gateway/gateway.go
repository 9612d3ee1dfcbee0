package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/dvpsettle/internal/auth"
	"github.com/terminal-bench/dvpsettle/internal/journal"
	"github.com/terminal-bench/dvpsettle/internal/registry"
	"github.com/terminal-bench/dvpsettle/internal/settlement"
	"github.com/terminal-bench/dvpsettle/internal/token"
	"github.com/terminal-bench/dvpsettle/pkg/circuit"
	"github.com/terminal-bench/dvpsettle/pkg/messaging"
)

// Gateway exposes the registry, ledgers and settlement engine over HTTP.
// Every mutating call runs as the account recovered from the caller's token.
type Gateway struct {
	router    *gin.Engine
	registry  *registry.Registry
	ledgers   map[string]*token.Ledger
	engine    *settlement.Engine
	journal   *journal.Store
	authSvc   *auth.Service
	msgClient *messaging.Client
	breakers  *circuit.Group

	wsClients map[uuid.UUID]*wsClient
	wsMu      sync.RWMutex
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Config holds gateway settings
type Config struct {
	JournalBreakerMax     int
	JournalBreakerTimeout time.Duration
}

// NewGateway wires the HTTP surface over the given components. journal may be
// nil; settlement history then comes from the engine's in-memory log.
func NewGateway(cfg Config, reg *registry.Registry, ledgers []*token.Ledger, engine *settlement.Engine, jrn *journal.Store, authSvc *auth.Service, msgClient *messaging.Client) *Gateway {
	if cfg.JournalBreakerMax == 0 {
		cfg.JournalBreakerMax = 5
	}
	if cfg.JournalBreakerTimeout == 0 {
		cfg.JournalBreakerTimeout = 30 * time.Second
	}

	g := &Gateway{
		router:    gin.Default(),
		registry:  reg,
		ledgers:   make(map[string]*token.Ledger),
		engine:    engine,
		journal:   jrn,
		authSvc:   authSvc,
		msgClient: msgClient,
		breakers: circuit.NewGroup(circuit.Config{
			MaxFailures: cfg.JournalBreakerMax,
			Timeout:     cfg.JournalBreakerTimeout,
		}),
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	for _, l := range ledgers {
		g.ledgers[l.Meta().Symbol] = l
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.PUT("/registry/:account", g.authMiddleware(), g.setAuthorized)
		v1.GET("/registry/:account", g.getAuthorized)

		v1.GET("/tokens", g.listTokens)
		v1.GET("/tokens/:symbol", g.getToken)
		v1.GET("/tokens/:symbol/balance/:account", g.getBalance)
		v1.GET("/tokens/:symbol/allowance", g.getAllowance)
		v1.POST("/tokens/:symbol/mint", g.authMiddleware(), g.mint)
		v1.POST("/tokens/:symbol/transfer", g.authMiddleware(), g.transfer)
		v1.POST("/tokens/:symbol/approve", g.authMiddleware(), g.approve)
		v1.POST("/tokens/:symbol/pause", g.authMiddleware(), g.setPaused)

		v1.POST("/settlements", g.authMiddleware(), g.settle)
		v1.GET("/settlements", g.listSettlements)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Start subscribes to the event stream for websocket fan-out, then serves HTTP
func (g *Gateway) Start(addr string) error {
	g.SubscribeEvents()
	return g.router.Run(addr)
}

// Router exposes the underlying handler, mainly for tests
func (g *Gateway) Router() http.Handler { return g.router }

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		account, err := g.authSvc.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set("caller", account)
		c.Next()
	}
}

func caller(c *gin.Context) registry.Account {
	return c.MustGet("caller").(registry.Account)
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) setAuthorized(c *gin.Context) {
	var req struct {
		Authorized *bool `json:"authorized" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := registry.Account(c.Param("account"))
	if err := g.registry.SetAuthorized(c.Request.Context(), caller(c), account, *req.Authorized); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account, "authorized": *req.Authorized})
}

func (g *Gateway) getAuthorized(c *gin.Context) {
	account := registry.Account(c.Param("account"))
	c.JSON(http.StatusOK, gin.H{
		"account":    account,
		"authorized": g.registry.IsAuthorized(account),
	})
}

func (g *Gateway) listTokens(c *gin.Context) {
	out := make([]gin.H, 0, len(g.ledgers))
	for _, l := range g.ledgers {
		out = append(out, tokenView(l))
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

func (g *Gateway) getToken(c *gin.Context) {
	l, ok := g.ledger(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tokenView(l))
}

func tokenView(l *token.Ledger) gin.H {
	meta := l.Meta()
	return gin.H{
		"name":          meta.Name,
		"symbol":        meta.Symbol,
		"instrument_id": meta.InstrumentID,
		"rate_bps":      meta.RateBps,
		"maturity":      meta.Maturity,
		"currency":      meta.Currency,
		"authority":     l.Authority(),
		"total_minted":  l.TotalMinted(),
		"paused":        l.Paused(),
	}
}

func (g *Gateway) getBalance(c *gin.Context) {
	l, ok := g.ledger(c)
	if !ok {
		return
	}
	account := registry.Account(c.Param("account"))
	c.JSON(http.StatusOK, gin.H{
		"symbol":  l.Meta().Symbol,
		"account": account,
		"balance": l.BalanceOf(account),
	})
}

func (g *Gateway) getAllowance(c *gin.Context) {
	l, ok := g.ledger(c)
	if !ok {
		return
	}
	owner := registry.Account(c.Query("owner"))
	spender := registry.Account(c.Query("spender"))
	if owner == "" || spender == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner and spender are required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    l.Meta().Symbol,
		"owner":     owner,
		"spender":   spender,
		"allowance": l.Allowance(owner, spender),
	})
}

func (g *Gateway) mint(c *gin.Context) {
	l, ok := g.ledger(c)
	if !ok {
		return
	}

	var req struct {
		To     string `json:"to" binding:"required"`
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := l.Mint(c.Request.Context(), caller(c), registry.Account(req.To), amount); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "minted"})
}

func (g *Gateway) transfer(c *gin.Context) {
	l, ok := g.ledger(c)
	if !ok {
		return
	}

	var req struct {
		To     string `json:"to" binding:"required"`
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := l.Transfer(c.Request.Context(), caller(c), registry.Account(req.To), amount); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "transferred"})
}

func (g *Gateway) approve(c *gin.Context) {
	l, ok := g.ledger(c)
	if !ok {
		return
	}

	var req struct {
		Spender string `json:"spender" binding:"required"`
		Amount  string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := l.Approve(c.Request.Context(), caller(c), registry.Account(req.Spender), amount); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "approved"})
}

func (g *Gateway) setPaused(c *gin.Context) {
	l, ok := g.ledger(c)
	if !ok {
		return
	}

	var req struct {
		Paused *bool `json:"paused" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := l.SetPaused(c.Request.Context(), caller(c), *req.Paused); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"symbol": l.Meta().Symbol, "paused": *req.Paused})
}

func (g *Gateway) settle(c *gin.Context) {
	var req struct {
		Buyer       string `json:"buyer" binding:"required"`
		Seller      string `json:"seller" binding:"required"`
		AssetSymbol string `json:"asset_symbol" binding:"required"`
		CashSymbol  string `json:"cash_symbol" binding:"required"`
		AssetAmount string `json:"asset_amount" binding:"required"`
		CashAmount  string `json:"cash_amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	assetLedger, ok := g.ledgers[req.AssetSymbol]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset symbol"})
		return
	}
	cashLedger, ok := g.ledgers[req.CashSymbol]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown cash symbol"})
		return
	}

	assetAmount, err := decimal.NewFromString(req.AssetAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset amount"})
		return
	}
	cashAmount, err := decimal.NewFromString(req.CashAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cash amount"})
		return
	}

	rec, err := g.engine.SettleDvP(c.Request.Context(), settlement.Instruction{
		Buyer:       registry.Account(req.Buyer),
		Seller:      registry.Account(req.Seller),
		AssetLedger: assetLedger,
		CashLedger:  cashLedger,
		AssetAmount: assetAmount,
		CashAmount:  cashAmount,
	})
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) listSettlements(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	if g.journal == nil {
		recs := g.engine.Settlements()
		if len(recs) > limit {
			recs = recs[len(recs)-limit:]
		}
		c.JSON(http.StatusOK, gin.H{"settlements": recs})
		return
	}

	var recs []settlement.Settlement
	err = g.breakers.Execute(c.Request.Context(), "journal", func() error {
		var jerr error
		recs, jerr = g.journal.Recent(c.Request.Context(), limit)
		return jerr
	})
	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read settlements"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlements": recs})
}

func (g *Gateway) ledger(c *gin.Context) (*token.Ledger, bool) {
	l, ok := g.ledgers[c.Param("symbol")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown token symbol"})
		return nil, false
	}
	return l, true
}

// renderError maps the error taxonomy to HTTP statuses
func (g *Gateway) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrPermissionDenied), errors.Is(err, token.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, token.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, token.ErrPaused):
		status = http.StatusConflict
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientAllowance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, token.ErrInvalidAmount):
		status = http.StatusBadRequest
	}

	body := gin.H{"error": err.Error()}
	var legErr *token.LegError
	if errors.As(err, &legErr) {
		body["failed_leg"] = string(legErr.Leg)
	}
	c.JSON(status, body)
}

// WebSocket event stream

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SubscribeEvents forwards published events to connected websocket clients
func (g *Gateway) SubscribeEvents() {
	subjects := []string{
		messaging.EventTypeRegistryUpdated,
		messaging.EventTypeTokenMinted,
		messaging.EventTypeTokenTransfer,
		messaging.EventTypeTokenApproval,
		messaging.EventTypeTokenPaused,
		messaging.EventTypeSettled,
		messaging.EventTypeSettlementFailed,
	}
	for _, subject := range subjects {
		g.msgClient.Subscribe(subject, func(event *messaging.Event) {
			payload, err := json.Marshal(event)
			if err != nil {
				return
			}
			g.broadcast(payload)
		})
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.send <- message:
		default:
		}
	}
}
