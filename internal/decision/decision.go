// Package decision holds the pure trade-decision types and helpers: intent
// normalization and forecast confidence scoring. Nothing here touches the
// run queue or does I/O.
package decision

import "fmt"

// Intent is a bot's proposed trade as produced by the analyzer, with
// upper-case enums on the wire.
type Intent struct {
	Action     string   `json:"action"` // BUY | SELL | HOLD
	MarketID   string   `json:"market_id"`
	Token      string   `json:"token"` // YES | NO
	SizeUSD    float64  `json:"size_usd"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Sources    []string `json:"sources"`
	RunType    string   `json:"run_type"`
}

// NormalizedIntent is the storage form of an Intent, enums lower-cased.
type NormalizedIntent struct {
	Action     string   `json:"action"` // buy | sell | hold
	MarketID   string   `json:"market_id"`
	Token      string   `json:"token"` // yes | no
	SizeUSD    float64  `json:"size_usd"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Sources    []string `json:"sources"`
	RunType    string   `json:"run_type"`
}

var actionMap = map[string]string{
	"BUY":  "buy",
	"SELL": "sell",
	"HOLD": "hold",
}

var tokenMap = map[string]string{
	"YES": "yes",
	"NO":  "no",
}

// Normalize lower-cases the intent's enums, rejecting anything outside the
// known values. This is the validation gate before an intent is persisted.
func Normalize(intent Intent) (NormalizedIntent, error) {
	action, ok := actionMap[intent.Action]
	if !ok {
		return NormalizedIntent{}, fmt.Errorf("unknown action %q", intent.Action)
	}
	token, ok := tokenMap[intent.Token]
	if !ok {
		return NormalizedIntent{}, fmt.Errorf("unknown token %q", intent.Token)
	}

	return NormalizedIntent{
		Action:     action,
		MarketID:   intent.MarketID,
		Token:      token,
		SizeUSD:    intent.SizeUSD,
		Confidence: intent.Confidence,
		Reasoning:  intent.Reasoning,
		Sources:    intent.Sources,
		RunType:    intent.RunType,
	}, nil
}
