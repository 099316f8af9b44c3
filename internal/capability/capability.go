// Package capability probes once at startup whether this host can run the
// background task service.
package capability

import (
	"fmt"
	"runtime"

	"github.com/kardianos/service"
)

// Capability is the result of the startup probe
type Capability struct {
	Supported   bool   `json:"supported"`
	Platform    string `json:"platform"`
	Interactive bool   `json:"interactive"`
	Reason      string `json:"reason,omitempty"`
}

// Probe inspects the host. mode is "auto", "supported" or "unsupported";
// the latter two override detection.
//
// In auto mode the host is supported when a service manager is available or
// the process runs interactively (foreground execution needs no manager).
func Probe(mode string) (Capability, error) {
	c := Capability{
		Platform:    service.Platform(),
		Interactive: service.Interactive(),
	}

	switch mode {
	case "supported":
		c.Supported = true
		c.Reason = "forced by configuration"
	case "unsupported":
		c.Supported = false
		c.Reason = "disabled by configuration"
	case "", "auto":
		system := service.ChosenSystem()
		switch {
		case system != nil:
			c.Supported = true
			c.Platform = system.String()
		case c.Interactive:
			c.Supported = true
			c.Reason = "interactive session without service manager"
		default:
			c.Supported = false
			c.Reason = fmt.Sprintf("no service manager available on %s", runtime.GOOS)
		}
	default:
		return Capability{}, fmt.Errorf("invalid capability mode: %s", mode)
	}

	return c, nil
}
