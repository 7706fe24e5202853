package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dawi369/polymancer/internal/decision"
	"github.com/dawi369/polymancer/internal/queue"
)

// MockAnalyzer emits a fixed HOLD decision after an optional sleep. Used in
// dev mode and tests; FailEvery > 0 makes every Nth call fail so the retry
// path can be exercised end to end.
type MockAnalyzer struct {
	Sleep     time.Duration
	FailEvery int

	mu    sync.Mutex
	calls int
}

func NewMockAnalyzer(sleep time.Duration) *MockAnalyzer {
	return &MockAnalyzer{Sleep: sleep}
}

func (m *MockAnalyzer) Analyze(ctx context.Context, run *queue.RunRecord) (*queue.RunOutputResult, error) {
	if m.Sleep > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Sleep):
		}
	}

	m.mu.Lock()
	m.calls++
	fail := m.FailEvery > 0 && m.calls%m.FailEvery == 0
	m.mu.Unlock()
	if fail {
		return nil, errors.New("mock analysis failure")
	}

	marketID := ""
	if run.InputParams != nil && len(run.InputParams.MarketIDs) > 0 {
		marketID = run.InputParams.MarketIDs[0]
	}

	card := decision.ForecastCardSummary{
		EvidenceCount: 3,
		Audit: decision.AuditChecklist{
			BaseRatePresent: true,
			TwoSidedSearch:  true,
		},
	}
	confidence := decision.DeriveConfidence(card)

	return &queue.RunOutputResult{
		Decision: &decision.Intent{
			Action:     "HOLD",
			MarketID:   marketID,
			Token:      "YES",
			Confidence: confidence,
			Reasoning:  "mock analyzer",
			RunType:    string(run.RunType),
		},
		Metadata: map[string]any{
			"confidence_band": decision.Band(confidence),
			"mock":            true,
		},
	}, nil
}
