package billing

import "time"

type Config struct {
	Addr     string        `json:"addr"`
	Timeout  time.Duration `json:"timeout"`
	CacheTTL time.Duration `json:"cacheTtl"`
}

// Ceiling 租户 AI 预算上限，0 表示该维度不限
type Ceiling struct {
	MaxCalls  int     `json:"max_calls"`
	MaxTokens int     `json:"max_tokens"`
	MaxCost   float64 `json:"max_cost"`
}
