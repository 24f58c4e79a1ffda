package app

import (
	"context"
	"fmt"

	"delta-hedge-bot/internal/config"
	"delta-hedge-bot/internal/hl/exchange"
	"delta-hedge-bot/internal/venue"
	"delta-hedge-bot/internal/venue/hyperliquid"
	"delta-hedge-bot/internal/venue/paper"

	"go.uber.org/zap"
)

// managedVenue is an adapter with its connection lifecycle.
type managedVenue struct {
	venue.Adapter
	start func(ctx context.Context) error
	close func()
}

func buildVenue(cfg config.VenueConfig, instruments []string, store exchange.NonceStore, log *zap.Logger) (*managedVenue, error) {
	switch cfg.Kind {
	case config.VenueHyperliquid:
		v, err := newHyperliquid(cfg, instruments, cfg.PrivateKey, store, log)
		if err != nil {
			return nil, err
		}
		return &managedVenue{Adapter: v, start: v.Start, close: v.Close}, nil
	case config.VenuePaper:
		p := paper.New(paper.Config{
			Name:           cfg.Name,
			Balance:        cfg.PaperBalance,
			MinBalance:     cfg.MinBalanceUSD,
			MakerFillRatio: cfg.MakerFillRatio,
		}, log)
		if !cfg.Shadow {
			return &managedVenue{
				Adapter: p,
				start:   func(context.Context) error { return nil },
				close:   func() {},
			}, nil
		}
		source, err := newHyperliquid(cfg, instruments, "", nil, log.Named("source"))
		if err != nil {
			return nil, err
		}
		p.Shadow(source)
		return &managedVenue{Adapter: p, start: source.Start, close: source.Close}, nil
	}
	return nil, fmt.Errorf("unknown venue kind %q", cfg.Kind)
}

func newHyperliquid(cfg config.VenueConfig, instruments []string, privateKey string, store exchange.NonceStore, log *zap.Logger) (*hyperliquid.Venue, error) {
	symbols := make(map[string]string, len(instruments))
	for _, instrument := range instruments {
		symbols[instrument] = cfg.Symbol(instrument)
	}
	return hyperliquid.New(hyperliquid.Config{
		Name:           cfg.Name,
		BaseURL:        cfg.BaseURL,
		WSURL:          cfg.WSURL,
		Timeout:        cfg.Timeout,
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		FundingScale:   cfg.FundingScale,
		MinBalanceUSD:  cfg.MinBalanceUSD,
		Symbols:        symbols,
		PrivateKey:     privateKey,
		AccountAddress: cfg.AccountAddress,
		VaultAddress:   cfg.VaultAddress,
		IsMainnet:      cfg.IsMainnet(),
	}, store, log)
}
