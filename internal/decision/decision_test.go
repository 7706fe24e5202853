package decision

import "testing"

func TestNormalizeLowercasesEnums(t *testing.T) {
	got, err := Normalize(Intent{
		Action:     "BUY",
		MarketID:   "mkt-1",
		Token:      "YES",
		SizeUSD:    25,
		Confidence: 0.8,
		Reasoning:  "strong base rate",
		Sources:    []string{"https://example.com"},
		RunType:    "scheduled",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Action != "buy" || got.Token != "yes" {
		t.Fatalf("enums not normalized: %+v", got)
	}
	if got.MarketID != "mkt-1" || got.SizeUSD != 25 || got.Confidence != 0.8 {
		t.Fatalf("fields not carried through: %+v", got)
	}
}

func TestNormalizeAllEnumValues(t *testing.T) {
	for _, action := range []string{"BUY", "SELL", "HOLD"} {
		for _, token := range []string{"YES", "NO"} {
			if _, err := Normalize(Intent{Action: action, Token: token}); err != nil {
				t.Fatalf("%s/%s rejected: %v", action, token, err)
			}
		}
	}
}

func TestNormalizeRejectsUnknownEnums(t *testing.T) {
	if _, err := Normalize(Intent{Action: "SHORT", Token: "YES"}); err == nil {
		t.Fatal("unknown action accepted")
	}
	if _, err := Normalize(Intent{Action: "BUY", Token: "MAYBE"}); err == nil {
		t.Fatal("unknown token accepted")
	}
	// Already-lowercase values are not valid wire form.
	if _, err := Normalize(Intent{Action: "buy", Token: "yes"}); err == nil {
		t.Fatal("lowercase wire enums accepted")
	}
}
