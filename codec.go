package taskhawk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
)

// decimal matches fixed-point types such as shopspring/decimal.Decimal
// without importing them.
type decimal interface {
	IsInteger() bool
	IntPart() int64
	Float64() (float64, bool)
}

// MarshalPayload encodes v as JSON. Exactly integral decimal values are
// written as integers and other decimals as floats. NaN and infinities are
// rejected.
func MarshalPayload(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("taskhawk: encode payload: %w", err)
	}
	return data, nil
}

// decodeJSON decodes into v keeping numbers as json.Number so integers wider
// than float64 survive a round trip.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v, nil
	case float64:
		return checkFloat(x)
	case float32:
		return checkFloat(float64(x))
	case *big.Int:
		return x, nil
	case *big.Rat:
		if x.IsInt() {
			return new(big.Int).Set(x.Num()), nil
		}
		f, _ := x.Float64()
		return checkFloat(f)
	case *big.Float:
		if x.IsInf() {
			return nil, fmt.Errorf("taskhawk: cannot encode infinite number")
		}
		if x.IsInt() {
			i, _ := x.Int(nil)
			return i, nil
		}
		f, _ := x.Float64()
		return checkFloat(f)
	case decimal:
		if x.IsInteger() {
			return x.IntPart(), nil
		}
		f, _ := x.Float64()
		return checkFloat(f)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case Kwargs:
		return normalize(map[string]any(x))
	default:
		// encoding/json rejects NaN and infinities inside structs on its own.
		return v, nil
	}
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("taskhawk: cannot encode %v", f)
	}
	return f, nil
}
