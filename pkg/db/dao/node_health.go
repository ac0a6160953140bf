package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// NodeHealthDao maps to the 'node_health' table, one row per chain.
// UnhealthyEndpoints holds obfuscated endpoint URLs.
type NodeHealthDao struct {
	bun.BaseModel      `bun:"table:node_health,alias:nh"`
	Chain              string    `json:"chain" bun:",pk,type:varchar(32)"`
	HealthyTotal       int       `json:"healthy_total" bun:",notnull,default:0"`
	UnhealthyTotal     int       `json:"unhealthy_total" bun:",notnull,default:0"`
	UnhealthyEndpoints []string  `json:"unhealthy_endpoints" bun:",type:jsonb,notnull"`
	UpdatedAt          time.Time `json:"updated_at" bun:",notnull,nullzero,default:current_timestamp"`
}
