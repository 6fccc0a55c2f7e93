package core

import (
	"math"
	"sync/atomic"
)

// ModelPrice is USD per 1000 tokens.
type ModelPrice struct {
	Input  float64
	Output float64
}

const defaultPriceTier = "gpt-4-turbo-preview"

var modelPrices = map[string]ModelPrice{
	"gpt-4-turbo-preview": {Input: 0.01, Output: 0.03},
	"gpt-4":               {Input: 0.03, Output: 0.06},
	"gpt-3.5-turbo":       {Input: 0.0005, Output: 0.0015},
}

// EstimateCost prices total tokens at the mean of the input and output rates.
// Unknown models are priced at the default tier.
func EstimateCost(tokens int, model string) float64 {
	price, ok := modelPrices[model]
	if !ok {
		price = modelPrices[defaultPriceTier]
	}
	return float64(tokens) / 1000 * ((price.Input + price.Output) / 2)
}

// UsageStats accumulates for the life of the process.
type UsageStats struct {
	totalRequests atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	totalTokens   atomic.Int64
	costBits      atomic.Uint64
}

type UsageSnapshot struct {
	TotalRequests       int64   `json:"totalRequests"`
	CacheHits           int64   `json:"cacheHits"`
	CacheMisses         int64   `json:"cacheMisses"`
	TotalTokens         int64   `json:"totalTokens"`
	EstimatedCost       float64 `json:"estimatedCost"`
	CacheHitRate        float64 `json:"cacheHitRate"` // percent of requests
	AvgTokensPerRequest int64   `json:"avgTokensPerRequest"`
	Model               string  `json:"model"`
	Offline             bool    `json:"offline"`
}

func (s *UsageStats) addCost(delta float64) {
	for {
		old := s.costBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if s.costBits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *UsageStats) Snapshot() UsageSnapshot {
	snap := UsageSnapshot{
		TotalRequests: s.totalRequests.Load(),
		CacheHits:     s.cacheHits.Load(),
		CacheMisses:   s.cacheMisses.Load(),
		TotalTokens:   s.totalTokens.Load(),
		EstimatedCost: math.Float64frombits(s.costBits.Load()),
	}
	if snap.TotalRequests > 0 {
		snap.CacheHitRate = math.Round(float64(snap.CacheHits)/float64(snap.TotalRequests)*10000) / 100
	}
	if snap.CacheMisses > 0 {
		snap.AvgTokensPerRequest = int64(math.Round(float64(snap.TotalTokens) / float64(snap.CacheMisses)))
	}
	return snap
}

func (s *UsageStats) Reset() {
	s.totalRequests.Store(0)
	s.cacheHits.Store(0)
	s.cacheMisses.Store(0)
	s.totalTokens.Store(0)
	s.costBits.Store(0)
}
