package translation

import (
	"math"

	"github.com/shopspring/decimal"

	"voxscribe/transcription"
)

// per-minute transcription and translation price by provider, in USD
var perMinute = map[string]decimal.Decimal{
	"gpt-4o-mini": decimal.RequireFromString("0.008"),
	"hybrid":      decimal.RequireFromString("0.009"),
	"whisper-1":   decimal.RequireFromString("0.006"),
}

var (
	tokenPrice     = decimal.RequireFromString("0.075").Div(decimal.NewFromInt(1_000_000))
	charsPerToken  = decimal.NewFromInt(4)
	overheadFactor = decimal.RequireFromString("2.5")
)

// EstimateCost prices a project up front from the source duration. Unknown
// providers are priced like gpt-4o-mini.
func EstimateCost(provider string, durationSeconds float64) decimal.Decimal {
	rate, ok := perMinute[provider]
	if !ok {
		rate = perMinute["gpt-4o-mini"]
	}
	minutes := decimal.NewFromFloat(durationSeconds).Div(decimal.NewFromInt(60))
	return rate.Mul(minutes).Round(6)
}

// TokenCost prices what was actually sent: one token per four characters,
// times 2.5 for instructions and the JSON answer.
func TokenCost(segs []transcription.Segment) decimal.Decimal {
	chars := 0
	for _, s := range segs {
		chars += len(s.Text) + 1
	}
	tokens := decimal.NewFromInt(int64(chars)).Div(charsPerToken).Mul(overheadFactor)
	return tokens.Mul(tokenPrice).Round(8)
}

// RecommendedProvider picks the cheapest provider that handles lang well.
func RecommendedProvider(lang transcription.Language) string {
	if lang.Complex {
		return "hybrid"
	}
	return "gpt-4o-mini"
}

// QualityScore rates a translated set between 0 and 1. Each segment scores
// 1 - |ratio - 1| (floored at 0); the mean is blended 70/30 with the share of
// segments whose ratio stays within maxDeviation of 1.
func QualityScore(segs []Segment, maxDeviation float64) float64 {
	if len(segs) == 0 {
		return 0
	}
	var fit float64
	within := 0
	for _, s := range segs {
		dev := math.Abs(s.LengthRatio - 1)
		fit += 1 - math.Min(1, dev)
		if dev <= maxDeviation {
			within++
		}
	}
	score := 0.7*fit/float64(len(segs)) + 0.3*float64(within)/float64(len(segs))
	return math.Round(score*1000) / 1000
}
