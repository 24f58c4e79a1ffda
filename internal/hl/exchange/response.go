package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrRejected = errors.New("exchange rejected action")

type envelope struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type statusData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type restingWire struct {
	Oid int64 `json:"oid"`
}

type filledWire struct {
	Oid     int64  `json:"oid"`
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
}

type statusWire struct {
	Resting *restingWire `json:"resting"`
	Filled  *filledWire  `json:"filled"`
	Error   string       `json:"error"`
}

// parseStatuses unwraps an /exchange response. A top-level "err" status
// becomes ErrRejected with the venue's message.
func parseStatuses(raw []byte) ([]OrderStatus, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if env.Status != "ok" {
		var msg string
		if err := json.Unmarshal(env.Response, &msg); err != nil {
			msg = strings.TrimSpace(string(env.Response))
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	var data statusData
	if len(env.Response) == 0 || json.Unmarshal(env.Response, &data) != nil {
		return nil, nil
	}
	out := make([]OrderStatus, 0, len(data.Data.Statuses))
	for _, item := range data.Data.Statuses {
		out = append(out, parseStatus(item))
	}
	return out, nil
}

func parseStatus(raw json.RawMessage) OrderStatus {
	var word string
	if json.Unmarshal(raw, &word) == nil {
		// Cancels answer with a bare "success".
		if word == "success" {
			return OrderStatus{}
		}
		return OrderStatus{Error: word}
	}
	var wire statusWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return OrderStatus{Error: string(raw)}
	}
	switch {
	case wire.Error != "":
		return OrderStatus{Error: wire.Error}
	case wire.Filled != nil:
		size, _ := strconv.ParseFloat(wire.Filled.TotalSz, 64)
		px, _ := strconv.ParseFloat(wire.Filled.AvgPx, 64)
		return OrderStatus{OrderID: wire.Filled.Oid, Filled: true, FilledSize: size, AveragePx: px}
	case wire.Resting != nil:
		return OrderStatus{OrderID: wire.Resting.Oid, Resting: true}
	default:
		return OrderStatus{}
	}
}
