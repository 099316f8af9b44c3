package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Requester sends a request and waits for one reply
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) ([]byte, error)
}

type promptRequest struct {
	Action string `json:"action"` // "check" or "request"
}

type promptResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RemoteGateway asks a prompt responder (the UI host) over request/reply.
// A request that the user does not answer within the prompt timeout
// resolves to NotDetermined.
type RemoteGateway struct {
	requester     Requester
	subject       string
	promptTimeout time.Duration
	clock         clock.Clock
	logger        *zap.Logger
}

// NewRemoteGateway creates a gateway sending prompts to subject
func NewRemoteGateway(requester Requester, subject string, promptTimeout time.Duration, clk clock.Clock, logger *zap.Logger) *RemoteGateway {
	if clk == nil {
		clk = clock.New()
	}
	return &RemoteGateway{
		requester:     requester,
		subject:       subject,
		promptTimeout: promptTimeout,
		clock:         clk,
		logger:        logger,
	}
}

// Check asks for the current status without prompting the user
func (g *RemoteGateway) Check(ctx context.Context) (Status, error) {
	return g.ask(ctx, "check")
}

// Request prompts the user. The result arrives on the returned channel.
func (g *RemoteGateway) Request(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)

	go func() {
		defer close(out)

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		answer := make(chan Result, 1)
		go func() {
			status, err := g.ask(reqCtx, "request")
			answer <- Result{Status: status, Err: err}
		}()

		timer := g.clock.Timer(g.promptTimeout)
		defer timer.Stop()

		select {
		case res := <-answer:
			out <- res
		case <-timer.C:
			g.logger.Info("Notification permission prompt timed out",
				zap.Duration("timeout", g.promptTimeout))
			out <- Result{Status: NotDetermined}
		case <-ctx.Done():
			out <- Result{Status: NotDetermined}
		}
	}()

	return out
}

func (g *RemoteGateway) ask(ctx context.Context, action string) (Status, error) {
	payload, err := json.Marshal(promptRequest{Action: action})
	if err != nil {
		return NotDetermined, &QueryError{Cause: err}
	}

	reply, err := g.requester.RequestWithContext(ctx, g.subject, payload)
	if err != nil {
		return NotDetermined, &QueryError{Cause: fmt.Errorf("%s %s: %w", action, g.subject, err)}
	}

	var resp promptResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return NotDetermined, &QueryError{Cause: fmt.Errorf("invalid prompt response: %w", err)}
	}
	if resp.Error != "" {
		return NotDetermined, &QueryError{Cause: fmt.Errorf("prompt responder: %s", resp.Error)}
	}

	status := ParseStatus(resp.Status)
	g.logger.Debug("Notification permission answered",
		zap.String("action", action),
		zap.String("status", status.String()))
	return status, nil
}
