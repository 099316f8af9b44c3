package permission

import (
	"context"
	"fmt"
)

// StaticGateway answers every query with a fixed status from configuration
type StaticGateway struct {
	status Status
}

// NewStaticGateway creates a gateway from a policy name:
// "granted", "denied" or "unsupported"
func NewStaticGateway(policy string) (*StaticGateway, error) {
	switch policy {
	case "granted":
		return &StaticGateway{status: Granted}, nil
	case "denied":
		return &StaticGateway{status: Denied}, nil
	case "unsupported":
		return &StaticGateway{status: NotSupported}, nil
	default:
		return nil, fmt.Errorf("unknown permission policy: %s", policy)
	}
}

// Check returns the configured status
func (g *StaticGateway) Check(_ context.Context) (Status, error) {
	return g.status, nil
}

// Request resolves immediately with the configured status
func (g *StaticGateway) Request(_ context.Context) <-chan Result {
	return resolved(Result{Status: g.status})
}
