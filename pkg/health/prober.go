package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shipyard/bay/pkg/bayerr"
)

// Prober drives the one-shot post-start readiness wait described in
// spec.md §4.3: poll a Ship's health endpoint on a fixed interval until
// it reports healthy or the deadline passes.
type Prober struct{}

// NewProber returns a Prober. It holds no state; every WaitReady call is
// independent so concurrent Ship starts never interfere with each other.
func NewProber() *Prober {
	return &Prober{}
}

// WaitReady polls address every interval until it reports healthy, the
// timeout elapses, or ctx is cancelled. checkType selects the probe
// strategy: "tcp" only waits for the address to accept a connection,
// anything else (including "") probes GET {address}/health.
func (p *Prober) WaitReady(ctx context.Context, address, checkType string, timeout, interval time.Duration) error {
	var checker Checker
	if CheckType(checkType) == CheckTypeTCP {
		checker = NewTCPChecker(address).WithTimeout(interval)
	} else {
		checker = NewHTTPChecker(fmt.Sprintf("http://%s/health", address)).WithTimeout(interval)
	}

	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if result := checker.Check(waitCtx); result.Healthy {
		return nil
	}

	for {
		select {
		case <-ticker.C:
			result := checker.Check(waitCtx)
			if result.Healthy {
				return nil
			}
		case <-waitCtx.Done():
			return bayerr.New(bayerr.StartupFailed, "ship at %s never became healthy within %s", address, timeout)
		}
	}
}
