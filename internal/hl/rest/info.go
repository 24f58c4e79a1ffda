package rest

import (
	"context"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed info response")

// PerpContext is one perp from metaAndAssetCtxs.
type PerpContext struct {
	Name        string
	Index       int
	SzDecimals  int
	FundingRate float64
	MarkPrice   float64
	MidPrice    float64
}

type AccountState struct {
	Positions    map[string]float64
	AccountValue float64
	Withdrawable float64
}

type OpenOrder struct {
	Coin    string
	OrderID int64
	Side    string
	Price   float64
	Size    float64
}

type Book struct {
	Coin string
	Bid  float64
	Ask  float64
}

func (c *Client) PerpContexts(ctx context.Context) (map[string]PerpContext, error) {
	payload, err := c.Info(ctx, InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs: %w", err)
	}
	return ParsePerpContexts(payload)
}

func (c *Client) AccountState(ctx context.Context, user string) (AccountState, error) {
	payload, err := c.Info(ctx, InfoRequest{Type: "clearinghouseState", User: user})
	if err != nil {
		return AccountState{}, fmt.Errorf("clearinghouseState: %w", err)
	}
	return ParseAccountState(payload)
}

func (c *Client) L2Book(ctx context.Context, coin string) (Book, error) {
	payload, err := c.Info(ctx, InfoRequest{Type: "l2Book", Coin: coin})
	if err != nil {
		return Book{}, fmt.Errorf("l2Book %s: %w", coin, err)
	}
	book, _ := ParseBook(payload)
	book.Coin = coin
	return book, nil
}

func (c *Client) OpenOrders(ctx context.Context, user string) ([]OpenOrder, error) {
	payload, err := c.Info(ctx, InfoRequest{Type: "openOrders", User: user})
	if err != nil {
		return nil, fmt.Errorf("openOrders: %w", err)
	}
	return ParseOpenOrders(payload), nil
}

// ParsePerpContexts reads the [meta, assetCtxs] pair returned by
// metaAndAssetCtxs. Universe entries without a context are skipped.
func ParsePerpContexts(payload any) (map[string]PerpContext, error) {
	pair, ok := toSlice(payload)
	if !ok || len(pair) < 2 {
		return nil, fmt.Errorf("metaAndAssetCtxs: %w", ErrMalformed)
	}
	meta, _ := toMap(pair[0])
	universe, _ := toSlice(meta["universe"])
	ctxs, _ := toSlice(pair[1])
	if len(universe) == 0 || len(ctxs) == 0 {
		return nil, fmt.Errorf("metaAndAssetCtxs missing universe: %w", ErrMalformed)
	}
	out := make(map[string]PerpContext, len(universe))
	for i, entry := range universe {
		info, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromMap(info, "name")
		if name == "" {
			continue
		}
		assetCtx, ok := indexedMap(ctxs, i)
		if !ok {
			continue
		}
		szDecimals, _ := int64FromAny(info["szDecimals"])
		pc := PerpContext{Name: name, Index: i, SzDecimals: int(szDecimals)}
		pc.FundingRate, _ = floatFromMap(assetCtx, "funding")
		pc.MarkPrice, _ = floatFromMap(assetCtx, "markPx")
		pc.MidPrice, _ = floatFromMap(assetCtx, "midPx")
		out[name] = pc
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no perp contexts parsed: %w", ErrMalformed)
	}
	return out, nil
}

func ParseAccountState(payload any) (AccountState, error) {
	root, ok := toMap(payload)
	if !ok {
		return AccountState{}, fmt.Errorf("clearinghouseState: %w", ErrMalformed)
	}
	state := AccountState{Positions: make(map[string]float64)}
	state.Withdrawable, _ = floatFromMap(root, "withdrawable")
	if summary, ok := toMap(root["marginSummary"]); ok {
		state.AccountValue, _ = floatFromMap(summary, "accountValue")
	}
	raw, _ := toSlice(root["assetPositions"])
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := toMap(entry["position"]); ok {
			pos = nested
		}
		coin := stringFromMap(pos, "coin")
		if coin == "" {
			continue
		}
		size, _ := floatFromMap(pos, "szi")
		state.Positions[coin] = size
	}
	return state, nil
}

// ParseBook reads the top of an l2Book payload, either the REST body or the
// data field of a websocket update. Missing sides are left at zero.
func ParseBook(payload any) (Book, bool) {
	root, ok := toMap(payload)
	if !ok {
		return Book{}, false
	}
	book := Book{Coin: stringFromMap(root, "coin")}
	levels, ok := toSlice(root["levels"])
	if !ok || len(levels) < 2 {
		return book, book.Coin != ""
	}
	book.Bid = topPrice(levels[0])
	book.Ask = topPrice(levels[1])
	return book, book.Coin != ""
}

func topPrice(side any) float64 {
	entries, ok := toSlice(side)
	if !ok || len(entries) == 0 {
		return 0
	}
	level, ok := toMap(entries[0])
	if !ok {
		return 0
	}
	px, _ := floatFromMap(level, "px")
	return px
}

func ParseOpenOrders(payload any) []OpenOrder {
	raw, _ := toSlice(payload)
	out := make([]OpenOrder, 0, len(raw))
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		oid, ok := int64FromAny(entry["oid"])
		if !ok {
			continue
		}
		order := OpenOrder{
			Coin:    stringFromMap(entry, "coin"),
			OrderID: oid,
			Side:    stringFromMap(entry, "side"),
		}
		order.Price, _ = floatFromMap(entry, "limitPx")
		order.Size, _ = floatFromMap(entry, "sz")
		out = append(out, order)
	}
	return out
}
