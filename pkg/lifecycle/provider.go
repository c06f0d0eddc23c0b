// Package lifecycle runs start/stop/restart actions against remote compute
// instances in batches. The monitoring engine never depends on it.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/types"
)

// Provider performs lifecycle actions for one backend (a cloud API, a
// remote agent, a test double).
type Provider interface {
	// Perform requests the action and returns once the backend accepted it.
	Perform(ctx context.Context, instanceID string, action types.LifecycleAction) (types.LifecycleResult, error)

	// Wait blocks until the instance reports targetState or timeout elapses.
	Wait(ctx context.Context, instanceID, targetState string, timeout time.Duration) (types.LifecycleResult, error)
}

// BaseProvider provides common helper methods
type BaseProvider struct{}

// Success creates a success result
func (p *BaseProvider) Success(instanceID string, action types.LifecycleAction, message string) types.LifecycleResult {
	return types.NewSuccessResult(instanceID, action, message)
}

// Failed creates a failed result
func (p *BaseProvider) Failed(instanceID string, action types.LifecycleAction, message string) types.LifecycleResult {
	return types.NewFailedResult(instanceID, action, message)
}

// CheckAction rejects actions outside the allowlist.
func CheckAction(action types.LifecycleAction) error {
	if !action.IsAllowed() {
		return hubErrors.New(hubErrors.ErrLifecycle,
			fmt.Sprintf("action %q is not allowed", action),
			"Use start, stop or restart")
	}
	return nil
}
