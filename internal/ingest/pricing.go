package ingest

import "math"

type modelPrice struct {
	input  float64 // USD per 1000 input tokens
	output float64 // USD per 1000 output tokens
}

// pricing mirrors the ingestion service's model price table. Models not
// listed fall back to a nominal flat rate.
var pricing = map[string]modelPrice{ //nolint:gochecknoglobals // fixed price table
	"claude-haiku-4-5": {input: 0.00025, output: 0.00125},
	"claude-3-sonnet":  {input: 0.003, output: 0.015},
	"claude-3-opus":    {input: 0.015, output: 0.075},
	"gpt-4o":           {input: 0.005, output: 0.015},
}

var fallbackPrice = modelPrice{input: 0.0001, output: 0.0001} //nolint:gochecknoglobals // fixed price table

// EstimateCost computes the USD cost of a call from token counts, rounded
// to six decimal places.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	price, ok := pricing[model]
	if !ok {
		price = fallbackPrice
	}
	cost := (float64(inputTokens)*price.input + float64(outputTokens)*price.output) / 1000
	return math.Round(cost*1e6) / 1e6
}
