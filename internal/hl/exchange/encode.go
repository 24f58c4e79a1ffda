package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// packer writes msgpack maps with keys in insertion order, which the venue
// hashes byte for byte. The first error sticks.
type packer struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
	err error
}

func newPacker() *packer {
	p := &packer{}
	p.enc = msgpack.NewEncoder(&p.buf)
	return p
}

func (p *packer) mapLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeMapLen(n)
	}
}

func (p *packer) arrayLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeArrayLen(n)
	}
}

func (p *packer) str(key, val string) {
	p.key(key)
	if p.err == nil {
		p.err = p.enc.EncodeString(val)
	}
}

func (p *packer) integer(key string, val int64) {
	p.key(key)
	if p.err == nil {
		p.err = p.enc.EncodeInt(val)
	}
}

func (p *packer) boolean(key string, val bool) {
	p.key(key)
	if p.err == nil {
		p.err = p.enc.EncodeBool(val)
	}
}

func (p *packer) key(k string) {
	if p.err == nil {
		p.err = p.enc.EncodeString(k)
	}
}

func (p *packer) finish() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.buf.Bytes(), nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	p := newPacker()
	p.mapLen(3)
	p.str("type", action.Type)
	p.key("orders")
	p.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return nil, errors.New("limit order type required")
		}
		n := 6
		if order.Cloid != "" {
			n++
		}
		p.mapLen(n)
		p.integer("a", int64(order.Asset))
		p.boolean("b", order.IsBuy)
		p.str("p", order.Price)
		p.str("s", order.Size)
		p.boolean("r", order.ReduceOnly)
		p.key("t")
		p.mapLen(1)
		p.key("limit")
		p.mapLen(1)
		p.str("tif", string(order.OrderType.Limit.Tif))
		if order.Cloid != "" {
			p.str("c", order.Cloid)
		}
	}
	p.str("grouping", action.Grouping)
	return p.finish()
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	p := newPacker()
	p.mapLen(2)
	p.str("type", action.Type)
	p.key("cancels")
	p.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		p.mapLen(2)
		p.integer("a", int64(cancel.Asset))
		p.integer("o", cancel.OrderID)
	}
	return p.finish()
}

func EncodeNoopAction(action NoopAction) ([]byte, error) {
	if action.Type == "" {
		action.Type = "noop"
	}
	p := newPacker()
	p.mapLen(1)
	p.str("type", action.Type)
	return p.finish()
}
