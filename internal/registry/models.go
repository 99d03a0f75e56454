package registry

import (
	"time"

	"github.com/thatjpcsguy/platformup/internal/service"
)

// PortAllocation represents a port held by a service
type PortAllocation struct {
	ServiceName string           `json:"service_name"`
	Port        int              `json:"port"`
	Category    service.Category `json:"category"`
	Scope       service.Scope    `json:"scope"`
	Description string           `json:"description"`
	AllocatedAt time.Time        `json:"allocated_at"`
}
