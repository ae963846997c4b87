package tool

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/cloudwego/eino/schema"
)

type UnitsConvertOutput struct {
	Value  float64 `json:"value"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Result float64 `json:"result"`
}

type unitDef struct {
	dimension string
	// toBase converts into the dimension's base unit.
	toBase   func(float64) float64
	fromBase func(float64) float64
}

func linear(factor float64) (func(float64) float64, func(float64) float64) {
	return func(v float64) float64 { return v * factor }, func(v float64) float64 { return v / factor }
}

func unitTable() map[string]unitDef {
	table := map[string]unitDef{}
	add := func(dim string, factor float64, names ...string) {
		to, from := linear(factor)
		for _, n := range names {
			table[n] = unitDef{dimension: dim, toBase: to, fromBase: from}
		}
	}

	add("mass", 1, "kg", "kilogram", "kilograms")
	add("mass", 1e-3, "g", "gram", "grams")
	add("mass", 1e-6, "mg", "milligram", "milligrams")
	add("mass", 1e-9, "mcg", "ug", "microgram", "micrograms")
	add("mass", 0.45359237, "lb", "lbs", "pound", "pounds")
	add("mass", 0.028349523125, "oz", "ounce", "ounces")

	add("length", 1, "m", "meter", "meters", "metre", "metres")
	add("length", 0.01, "cm", "centimeter", "centimeters")
	add("length", 0.001, "mm", "millimeter", "millimeters")
	add("length", 1000, "km", "kilometer", "kilometers")
	add("length", 0.0254, "in", "inch", "inches")
	add("length", 0.3048, "ft", "foot", "feet")
	add("length", 1609.344, "mi", "mile", "miles")

	add("volume", 1, "l", "liter", "liters", "litre", "litres")
	add("volume", 0.001, "ml", "milliliter", "milliliters")
	add("volume", 0.1, "dl", "deciliter", "deciliters")

	// Glucose concentration, base mmol/L.
	add("glucose", 1, "mmol/l")
	add("glucose", 1/18.016, "mg/dl")

	table["c"] = unitDef{"temperature", func(v float64) float64 { return v }, func(v float64) float64 { return v }}
	table["celsius"] = table["c"]
	table["f"] = unitDef{"temperature", func(v float64) float64 { return (v - 32) * 5 / 9 }, func(v float64) float64 { return v*9/5 + 32 }}
	table["fahrenheit"] = table["f"]
	table["k"] = unitDef{"temperature", func(v float64) float64 { return v - 273.15 }, func(v float64) float64 { return v + 273.15 }}
	table["kelvin"] = table["k"]
	return table
}

var units = unitTable()

func UnitsSpec() Spec {
	return Spec{
		Name: ToolUnitsConvert,
		Desc: "Convert a value between units of mass, length, volume, temperature or glucose concentration (mg/dL and mmol/L).",
		Params: map[string]*schema.ParameterInfo{
			"value": {Type: schema.Number, Desc: "Numeric value to convert", Required: true},
			"from":  {Type: schema.String, Desc: "Source unit, e.g. mg, lb, mg/dL, F", Required: true},
			"to":    {Type: schema.String, Desc: "Target unit", Required: true},
		},
		Run: runUnits,
	}
}

func runUnits(_ context.Context, args map[string]any) (any, error) {
	value, err := numberArg(args, "value")
	if err != nil {
		return nil, err
	}
	from, err := stringArg(args, "from")
	if err != nil {
		return nil, err
	}
	to, err := stringArg(args, "to")
	if err != nil {
		return nil, err
	}
	result, err := convertUnits(value, from, to)
	if err != nil {
		return nil, err
	}
	return UnitsConvertOutput{Value: value, From: from, To: to, Result: result}, nil
}

func convertUnits(value float64, from, to string) (float64, error) {
	src, ok := units[normalizeUnit(from)]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", from)
	}
	dst, ok := units[normalizeUnit(to)]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", to)
	}
	if src.dimension != dst.dimension {
		return 0, fmt.Errorf("cannot convert %s (%s) to %s (%s)", from, src.dimension, to, dst.dimension)
	}
	out := dst.fromBase(src.toBase(value))
	// trim float noise from chained factors
	return math.Round(out*1e9) / 1e9, nil
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimPrefix(u, "°")
	return strings.ReplaceAll(u, " ", "")
}
