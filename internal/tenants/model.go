package tenants

import "time"

// Tenant is the billing and concurrency boundary. Balances are whole
// credits; one credit buys one second of connected call time.
type Tenant struct {
	ID                        string     `json:"tenant_id"`
	AvailableBalance          int64      `json:"available_balance"`
	MaxConcurrentCalls        int        `json:"max_concurrent_calls"`
	CallerNumbers             []string   `json:"caller_numbers"`
	LastIncomingAggregationAt *time.Time `json:"last_incoming_aggregation_at,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}
