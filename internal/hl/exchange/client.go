package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"delta-hedge-bot/internal/hl/rest"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Client signs and submits actions to /exchange.
type Client struct {
	rest          *rest.Client
	signer        *Signer
	vaultAddress  *common.Address
	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	log           *zap.Logger
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

func NewClient(rc *rest.Client, signer *Signer, vaultAddress string, log *zap.Logger) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if rc == nil {
		return nil, errors.New("rest client is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	var vault *common.Address
	if strings.TrimSpace(vaultAddress) != "" {
		addr := common.HexToAddress(vaultAddress)
		vault = &addr
	}
	return &Client{rest: rc, signer: signer, vaultAddress: vault, log: log}, nil
}

func (c *Client) Address() common.Address {
	return c.signer.Address()
}

// PlaceOrder submits a single order. A per-order rejection is reported in
// the returned status, not as an error.
func (c *Client) PlaceOrder(ctx context.Context, order OrderWire) (OrderStatus, error) {
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		return OrderStatus{}, err
	}
	return c.single(ctx, action, payload)
}

func (c *Client) Cancel(ctx context.Context, asset int, orderID int64) (OrderStatus, error) {
	action := CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: asset, OrderID: orderID}}}
	payload, err := EncodeCancelAction(action)
	if err != nil {
		return OrderStatus{}, err
	}
	return c.single(ctx, action, payload)
}

// Noop submits a signed no-op; success means the key is authorised.
func (c *Client) Noop(ctx context.Context) error {
	action := NoopAction{Type: "noop"}
	payload, err := EncodeNoopAction(action)
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, action, payload)
	return err
}

func (c *Client) single(ctx context.Context, action any, payload []byte) (OrderStatus, error) {
	statuses, err := c.submit(ctx, action, payload)
	if err != nil {
		return OrderStatus{}, err
	}
	if len(statuses) == 0 {
		return OrderStatus{}, fmt.Errorf("%w: empty status list", ErrRejected)
	}
	return statuses[0], nil
}

func (c *Client) submit(ctx context.Context, action any, payload []byte) ([]OrderStatus, error) {
	nonce := c.nextNonce()
	sig, err := c.signer.SignL1(payload, nonce, c.vaultAddress)
	if err != nil {
		return nil, err
	}
	var vault *string
	if c.vaultAddress != nil {
		addr := c.vaultAddress.Hex()
		vault = &addr
	}
	var raw json.RawMessage
	err = c.rest.Post(ctx, "/exchange", SignedAction{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: vault,
	}, &raw)
	if err != nil {
		return nil, err
	}
	return parseStatuses(raw)
}

// InitNonceStore seeds the nonce from store so restarts never reuse one.
func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceStoreKey(c.rest.BaseURL(), c.signer, c.vaultAddress)
	seed := uint64(time.Now().UnixMilli())
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		seed = max(seed, parsed)
	}
	seed = max(seed, c.lastNonce.Load())
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string, signer *Signer, vaultAddress *common.Address) string {
	vault := "none"
	if vaultAddress != nil {
		vault = strings.ToLower(vaultAddress.Hex())
	}
	return fmt.Sprintf("exchange:nonce:%s:%s:%s",
		strings.ToLower(strings.TrimSpace(baseURL)),
		strings.ToLower(signer.Address().Hex()),
		vault,
	)
}
