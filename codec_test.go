package taskhawk

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"
)

type fixedDecimal struct {
	units int64 // hundredths
}

func (d fixedDecimal) IsInteger() bool { return d.units%100 == 0 }
func (d fixedDecimal) IntPart() int64  { return d.units / 100 }
func (d fixedDecimal) Float64() (float64, bool) {
	return float64(d.units) / 100, d.units%100 == 0
}

func TestMarshalPayload(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"integral decimal", fixedDecimal{units: 500}, `5`},
		{"fractional decimal", fixedDecimal{units: 250}, `2.5`},
		{"nested decimal", map[string]any{"a": []any{fixedDecimal{units: 100}}}, `{"a":[1]}`},
		{"kwargs", Kwargs{"n": fixedDecimal{units: 1}}, `{"n":0.01}`},
		{"big int", huge, `123456789012345678901234567890`},
		{"integral rat", big.NewRat(10, 2), `5`},
		{"fractional rat", big.NewRat(1, 4), `0.25`},
		{"integral big float", big.NewFloat(7), `7`},
		{"json number", json.Number("12345678901234567890"), `12345678901234567890`},
		{"plain", []any{"x", true, nil, 1.5}, `["x",true,null,1.5]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalPayload(tt.in)
			if err != nil {
				t.Fatalf("MarshalPayload() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MarshalPayload() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarshalPayloadRejectsNonFinite(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
		{"nested", map[string]any{"x": []any{math.Inf(-1)}}},
		{"big float inf", new(big.Float).SetInf(false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MarshalPayload(tt.in); err == nil {
				t.Error("MarshalPayload() succeeded, want error")
			}
		})
	}
}

func TestDecodeJSONKeepsWideIntegers(t *testing.T) {
	var v map[string]any
	if err := decodeJSON([]byte(`{"n":12345678901234567890}`), &v); err != nil {
		t.Fatalf("decodeJSON() error = %v", err)
	}
	n, ok := v["n"].(json.Number)
	if !ok || n.String() != "12345678901234567890" {
		t.Errorf("decodeJSON() n = %#v, want json.Number", v["n"])
	}
}

func TestDecodeJSONRejectsTrailingData(t *testing.T) {
	var v any
	if err := decodeJSON([]byte(`{} {}`), &v); err == nil {
		t.Error("decodeJSON() succeeded with trailing data, want error")
	}
}
