package usage

import "time"

// UsageData is the root structure persisted to usage.json.
type UsageData struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds token counters broken down by dimension.
type AggregatedStats struct {
	Total          TokenCounts            `json:"total"`
	Calls          int64                  `json:"calls"`
	ByProvider     map[string]TokenCounts `json:"by_provider"`
	ByModel        map[string]TokenCounts `json:"by_model"` // "provider/model"
	ByRole         map[string]TokenCounts `json:"by_role"`
	ByConversation map[string]TokenCounts `json:"by_conversation"`
}

// TokenCounts holds prompt/completion sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

func newAggregate() AggregatedStats {
	return AggregatedStats{
		ByProvider:     make(map[string]TokenCounts),
		ByModel:        make(map[string]TokenCounts),
		ByRole:         make(map[string]TokenCounts),
		ByConversation: make(map[string]TokenCounts),
	}
}

// fill replaces nil maps left by a partial file.
func (a *AggregatedStats) fill() {
	if a.ByProvider == nil {
		a.ByProvider = make(map[string]TokenCounts)
	}
	if a.ByModel == nil {
		a.ByModel = make(map[string]TokenCounts)
	}
	if a.ByRole == nil {
		a.ByRole = make(map[string]TokenCounts)
	}
	if a.ByConversation == nil {
		a.ByConversation = make(map[string]TokenCounts)
	}
}
