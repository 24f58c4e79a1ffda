package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LimitOrderWire builds the wire form of a limit order. Price and size must
// already be rounded to the asset's tick and lot.
func LimitOrderWire(asset int, isBuy bool, size, price float64, reduceOnly bool, tif Tif) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	if size <= 0 {
		return OrderWire{}, fmt.Errorf("size must be > 0, got %v", size)
	}
	priceWire, err := floatToWire(price)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      priceWire,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
	}, nil
}

// floatToWire renders x with at most eight decimals and refuses values that
// would lose precision.
func floatToWire(x float64) (string, error) {
	rounded := strconv.FormatFloat(x, 'f', 8, 64)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %v", x)
	}
	trimmed := strings.TrimRight(strings.TrimRight(rounded, "0"), ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
