// Package hyperliquid adapts the Hyperliquid perp exchange to venue.Adapter.
package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"delta-hedge-bot/internal/hl/exchange"
	"delta-hedge-bot/internal/hl/rest"
	"delta-hedge-bot/internal/hl/ws"
	"delta-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

var ErrReadOnly = errors.New("venue has no signing key")

const (
	maxPriceDecimals = 6
	slowHealthCheck  = 2 * time.Second
)

type Config struct {
	Name           string
	BaseURL        string
	WSURL          string
	Timeout        time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	RateLimit      float64
	RateBurst      int
	FundingScale   float64
	MinBalanceUSD  float64
	// Symbols maps strategy instruments to venue coins.
	Symbols        map[string]string
	PrivateKey     string
	AccountAddress string
	VaultAddress   string
	IsMainnet      bool
	QuoteMaxAge    time.Duration
	MetaTTL        time.Duration
}

type book struct {
	quote venue.Quote
	at    time.Time
}

type Venue struct {
	cfg   Config
	store exchange.NonceStore
	log   *zap.Logger
	now   func() time.Time

	resetMu sync.Mutex

	mu     sync.RWMutex
	rest   *rest.Client
	ws     *ws.Client
	exch   *exchange.Client
	runCtx context.Context
	stopWS context.CancelFunc
	wsDone chan struct{}
	perps  map[string]rest.PerpContext
	metaAt time.Time
	books  map[string]book
}

// New builds the adapter. Without a private key the venue is read-only:
// quotes, funding and positions work, orders fail with ErrReadOnly.
func New(cfg Config, store exchange.NonceStore, log *zap.Logger) (*Venue, error) {
	if cfg.Name == "" {
		cfg.Name = "hyperliquid"
	}
	if cfg.FundingScale <= 0 {
		cfg.FundingScale = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = 5 * time.Second
	}
	if cfg.MetaTTL <= 0 {
		cfg.MetaTTL = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	v := &Venue{
		cfg:   cfg,
		store: store,
		log:   log.With(zap.String("venue", cfg.Name)),
		now:   time.Now,
		books: make(map[string]book),
	}
	restClient, exch, err := v.buildClients(context.Background())
	if err != nil {
		return nil, err
	}
	v.rest = restClient
	v.exch = exch
	if cfg.WSURL != "" {
		v.ws = ws.New(cfg.WSURL, cfg.ReconnectDelay, cfg.PingInterval, v.log)
	}
	return v, nil
}

func (v *Venue) buildClients(ctx context.Context) (*rest.Client, *exchange.Client, error) {
	restClient := rest.New(v.cfg.BaseURL, v.cfg.Timeout, v.log, rest.WithRateLimit(v.cfg.RateLimit, v.cfg.RateBurst))
	if strings.TrimSpace(v.cfg.PrivateKey) == "" {
		return restClient, nil, nil
	}
	signer, err := exchange.NewSigner(v.cfg.PrivateKey, v.cfg.IsMainnet)
	if err != nil {
		return nil, nil, fmt.Errorf("%s signer: %w", v.cfg.Name, err)
	}
	exch, err := exchange.NewClient(restClient, signer, v.cfg.VaultAddress, v.log)
	if err != nil {
		return nil, nil, err
	}
	if err := exch.InitNonceStore(ctx, v.store); err != nil {
		v.log.Warn("nonce store init failed", zap.Error(err))
	}
	return restClient, exch, nil
}

// Start loads market metadata and starts the book feed. The feed stops
// when ctx is done.
func (v *Venue) Start(ctx context.Context) error {
	if err := v.refreshMeta(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	v.runCtx = ctx
	v.mu.Unlock()
	v.startFeed()
	return nil
}

func (v *Venue) startFeed() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ws == nil || v.runCtx == nil || v.stopWS != nil {
		return
	}
	for _, coin := range v.coinsLocked() {
		_ = v.ws.Subscribe(v.runCtx, map[string]any{"type": "l2Book", "coin": coin})
	}
	ctx, cancel := context.WithCancel(v.runCtx)
	done := make(chan struct{})
	client := v.ws
	v.stopWS = cancel
	v.wsDone = done
	go func() {
		defer close(done)
		_ = client.Run(ctx, v.handleMessage)
	}()
}

func (v *Venue) stopFeed() {
	v.mu.Lock()
	cancel, done := v.stopWS, v.wsDone
	v.stopWS, v.wsDone = nil, nil
	v.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (v *Venue) coinsLocked() []string {
	seen := make(map[string]struct{})
	var coins []string
	for _, coin := range v.cfg.Symbols {
		if _, ok := seen[coin]; ok || coin == "" {
			continue
		}
		seen[coin] = struct{}{}
		coins = append(coins, coin)
	}
	return coins
}

func (v *Venue) handleMessage(msg ws.Message) {
	if msg.Channel != "l2Book" {
		return
	}
	var payload any
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return
	}
	b, ok := rest.ParseBook(payload)
	if !ok {
		return
	}
	v.mu.Lock()
	v.books[b.Coin] = book{quote: venue.Quote{Bid: b.Bid, Ask: b.Ask}, at: v.now()}
	v.mu.Unlock()
}

func (v *Venue) Name() string {
	return v.cfg.Name
}

func (v *Venue) symbol(instrument string) string {
	if coin, ok := v.cfg.Symbols[instrument]; ok && coin != "" {
		return coin
	}
	return instrument
}

func (v *Venue) user() string {
	if v.cfg.VaultAddress != "" {
		return v.cfg.VaultAddress
	}
	return v.cfg.AccountAddress
}

func (v *Venue) Rules(instrument string) venue.Rules {
	v.mu.RLock()
	pc, ok := v.perps[v.symbol(instrument)]
	v.mu.RUnlock()
	if !ok {
		return venue.Rules{}
	}
	lot := math.Pow10(-pc.SzDecimals)
	return venue.Rules{
		Tick:    priceTick(pc.MarkPrice, pc.SzDecimals),
		LotSize: lot,
		MinSize: lot,
	}
}

// priceTick approximates the venue's price grid: at most five significant
// figures and 6-szDecimals decimals, with integer prices always accepted.
func priceTick(mark float64, szDecimals int) float64 {
	decimalsTick := math.Pow10(-(maxPriceDecimals - szDecimals))
	if mark <= 0 {
		return decimalsTick
	}
	sigTick := math.Pow10(int(math.Floor(math.Log10(mark))) - 4)
	return min(max(decimalsTick, sigTick), 1)
}

func (v *Venue) SupportsMarket() bool {
	return false
}

func (v *Venue) GetPosition(ctx context.Context, instrument string) (venue.Position, error) {
	v.mu.RLock()
	client := v.rest
	v.mu.RUnlock()
	state, err := client.AccountState(ctx, v.user())
	if err != nil {
		return venue.Position{}, err
	}
	return venue.Position{
		Instrument: instrument,
		Size:       state.Positions[v.symbol(instrument)],
		Venue:      v.cfg.Name,
	}, nil
}

func (v *Venue) GetBestBidAsk(ctx context.Context, instrument string) (venue.Quote, error) {
	coin := v.symbol(instrument)
	v.mu.RLock()
	cached, ok := v.books[coin]
	client := v.rest
	v.mu.RUnlock()
	if ok && v.now().Sub(cached.at) <= v.cfg.QuoteMaxAge && cached.quote.Valid() {
		return cached.quote, nil
	}
	b, err := client.L2Book(ctx, coin)
	if err != nil {
		return venue.Quote{}, err
	}
	quote := venue.Quote{Bid: b.Bid, Ask: b.Ask}
	if !quote.Valid() {
		return venue.Quote{}, fmt.Errorf("%s %s: %w", v.cfg.Name, coin, venue.ErrNoQuote)
	}
	v.mu.Lock()
	v.books[coin] = book{quote: quote, at: v.now()}
	v.mu.Unlock()
	return quote, nil
}

// GetFundingRate returns the current hourly funding for instrument,
// multiplied by the configured scale.
func (v *Venue) GetFundingRate(ctx context.Context, instrument string) (float64, error) {
	if err := v.ensureMeta(ctx); err != nil {
		return 0, err
	}
	coin := v.symbol(instrument)
	v.mu.RLock()
	pc, ok := v.perps[coin]
	v.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", v.cfg.Name, coin, venue.ErrNoFunding)
	}
	return pc.FundingRate * v.cfg.FundingScale, nil
}

func (v *Venue) ensureMeta(ctx context.Context) error {
	v.mu.RLock()
	fresh := v.perps != nil && v.now().Sub(v.metaAt) < v.cfg.MetaTTL
	v.mu.RUnlock()
	if fresh {
		return nil
	}
	return v.refreshMeta(ctx)
}

func (v *Venue) refreshMeta(ctx context.Context) error {
	v.mu.RLock()
	client := v.rest
	v.mu.RUnlock()
	perps, err := client.PerpContexts(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.perps = perps
	v.metaAt = v.now()
	v.mu.Unlock()
	return nil
}

func (v *Venue) asset(ctx context.Context, instrument string) (int, error) {
	if err := v.ensureMeta(ctx); err != nil {
		return 0, err
	}
	coin := v.symbol(instrument)
	v.mu.RLock()
	pc, ok := v.perps[coin]
	v.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", v.cfg.Name, coin, venue.ErrUnknownInstrument)
	}
	return pc.Index, nil
}

func (v *Venue) signer() (*exchange.Client, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.exch == nil {
		return nil, fmt.Errorf("%s: %w", v.cfg.Name, ErrReadOnly)
	}
	return v.exch, nil
}

// PlaceOrder submits a limit order. An IOC order that finds no liquidity
// returns an empty id and no error.
func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	exch, err := v.signer()
	if err != nil {
		return "", err
	}
	asset, err := v.asset(ctx, req.Instrument)
	if err != nil {
		return "", err
	}
	tif := exchange.TifGtc
	switch {
	case req.Market, req.TIF == venue.TifIOC:
		tif = exchange.TifIoc
	case req.TIF == venue.TifALO:
		tif = exchange.TifAlo
	}
	wire, err := exchange.LimitOrderWire(asset, req.Side.IsBuy(), req.Quantity, req.Price, req.ReduceOnly, tif)
	if err != nil {
		return "", err
	}
	status, err := exch.PlaceOrder(ctx, wire)
	if err != nil {
		return "", err
	}
	if status.Error != "" {
		err := classifyOrderError(status.Error)
		if errors.Is(err, errNoImmediateMatch) {
			return "", nil
		}
		return "", err
	}
	if status.OrderID == 0 {
		return "", nil
	}
	return strconv.FormatInt(status.OrderID, 10), nil
}

var errNoImmediateMatch = errors.New("ioc found no liquidity")

func classifyOrderError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "post only"):
		return fmt.Errorf("%w: %s", venue.ErrPostOnlyRejected, msg)
	case strings.Contains(lower, "insufficient margin"), strings.Contains(lower, "insufficient balance"):
		return fmt.Errorf("%w: %s", venue.ErrInsufficientFunds, msg)
	case strings.Contains(lower, "could not immediately match"):
		return errNoImmediateMatch
	default:
		return fmt.Errorf("%w: %s", exchange.ErrRejected, msg)
	}
}

func (v *Venue) CancelOrder(ctx context.Context, instrument, orderID string) (bool, error) {
	exch, err := v.signer()
	if err != nil {
		return false, err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("order id %q: %w", orderID, err)
	}
	asset, err := v.asset(ctx, instrument)
	if err != nil {
		return false, err
	}
	status, err := exch.Cancel(ctx, asset, oid)
	if err != nil {
		return false, err
	}
	// Already filled or cancelled orders report an error status.
	return status.Error == "", nil
}

func (v *Venue) CancelAllOrders(ctx context.Context, instrument string) error {
	if _, err := v.signer(); err != nil {
		return err
	}
	v.mu.RLock()
	client := v.rest
	v.mu.RUnlock()
	orders, err := client.OpenOrders(ctx, v.user())
	if err != nil {
		return err
	}
	coin := v.symbol(instrument)
	var errs []error
	for _, order := range orders {
		if order.Coin != coin {
			continue
		}
		if _, err := v.CancelOrder(ctx, instrument, strconv.FormatInt(order.OrderID, 10)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (v *Venue) CheckHealth(ctx context.Context, requiredBalance float64) bool {
	v.mu.RLock()
	client := v.rest
	v.mu.RUnlock()
	start := v.now()
	state, err := client.AccountState(ctx, v.user())
	latency := v.now().Sub(start)
	if err != nil {
		v.log.Warn("health check failed", zap.Error(err))
		return false
	}
	if latency > slowHealthCheck {
		v.log.Warn("health check slow", zap.Duration("latency", latency))
	}
	need := max(requiredBalance, v.cfg.MinBalanceUSD)
	if state.Withdrawable < need {
		v.log.Warn("insufficient withdrawable balance",
			zap.Float64("withdrawable", state.Withdrawable),
			zap.Float64("required", need),
		)
		return false
	}
	return true
}

func (v *Venue) CheckAuthHealth(ctx context.Context) bool {
	exch, err := v.signer()
	if err != nil {
		return false
	}
	if err := exch.Noop(ctx); err != nil {
		v.log.Warn("auth check failed", zap.Error(err))
		return false
	}
	return true
}

// Reset drops cached quotes and rebuilds every client, restarting the book
// feed if it was running. Concurrent calls run one at a time.
func (v *Venue) Reset(ctx context.Context) error {
	v.resetMu.Lock()
	defer v.resetMu.Unlock()
	v.stopFeed()
	restClient, exch, err := v.buildClients(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.rest = restClient
	v.exch = exch
	v.books = make(map[string]book)
	if v.cfg.WSURL != "" {
		v.ws = ws.New(v.cfg.WSURL, v.cfg.ReconnectDelay, v.cfg.PingInterval, v.log)
	}
	v.mu.Unlock()
	v.startFeed()
	v.log.Info("venue clients rebuilt")
	return nil
}

// Close stops the book feed.
func (v *Venue) Close() {
	v.stopFeed()
}
