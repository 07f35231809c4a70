// internal/provider/refreshing.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/waabox/changegate/internal/domain"
)

// AuthExpiredError is returned when both the access token and refresh token are
// invalid, and the operator must issue new credentials.
type AuthExpiredError struct {
	Provider string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("%s session expired: new credentials required", e.Provider)
}

// RefreshingChangeSystem wraps a ChangeSystem and transparently handles 401 errors
// by attempting a silent token refresh. If refresh fails, it returns AuthExpiredError.
type RefreshingChangeSystem struct {
	inner       domain.ChangeSystem
	provider    string
	refreshFn   func(ctx context.Context) (string, error)
	updateToken func(string)

	// refreshing serializes refreshes so concurrent 401s spend one refresh token.
	refreshing sync.Mutex
}

// Ensure RefreshingChangeSystem implements ChangeSystem.
var _ domain.ChangeSystem = (*RefreshingChangeSystem)(nil)

// NewRefreshingChangeSystem creates a RefreshingChangeSystem.
// refreshFn is called on 401 to attempt a silent token refresh; returns new access token.
// updateToken is called after successful refresh to inject the new token into the adapter.
func NewRefreshingChangeSystem(
	inner domain.ChangeSystem,
	providerName string,
	refreshFn func(ctx context.Context) (string, error),
	updateToken func(string),
) *RefreshingChangeSystem {
	return &RefreshingChangeSystem{
		inner:       inner,
		provider:    providerName,
		refreshFn:   refreshFn,
		updateToken: updateToken,
	}
}

func (rc *RefreshingChangeSystem) handleUnauthorized(ctx context.Context, retry func() error) error {
	rc.refreshing.Lock()
	newToken, refreshErr := rc.refreshFn(ctx)
	if refreshErr == nil {
		rc.updateToken(newToken)
	}
	rc.refreshing.Unlock()
	if refreshErr != nil {
		return &AuthExpiredError{Provider: rc.provider}
	}
	return retry()
}

func (rc *RefreshingChangeSystem) IsGoverned(ctx context.Context, unit domain.UnitMetadata) (domain.Governance, error) {
	result, err := rc.inner.IsGoverned(ctx, unit)
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		var retryResult domain.Governance
		retryErr := rc.handleUnauthorized(ctx, func() error {
			var e error
			retryResult, e = rc.inner.IsGoverned(ctx, unit)
			return e
		})
		if retryErr != nil {
			return domain.Governance{}, retryErr
		}
		return retryResult, nil
	}
	return result, err
}

func (rc *RefreshingChangeSystem) RegisterAndNotify(ctx context.Context, token, callbackURL string, unit domain.UnitMetadata) (domain.RegisterStatus, error) {
	result, err := rc.inner.RegisterAndNotify(ctx, token, callbackURL, unit)
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		var retryResult domain.RegisterStatus
		retryErr := rc.handleUnauthorized(ctx, func() error {
			var e error
			retryResult, e = rc.inner.RegisterAndNotify(ctx, token, callbackURL, unit)
			return e
		})
		if retryErr != nil {
			return domain.RegisterError, retryErr
		}
		return retryResult, nil
	}
	return result, err
}

func (rc *RefreshingChangeSystem) QueryStatus(ctx context.Context, unit domain.UnitMetadata) (domain.ChangeStatus, error) {
	result, err := rc.inner.QueryStatus(ctx, unit)
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		var retryResult domain.ChangeStatus
		retryErr := rc.handleUnauthorized(ctx, func() error {
			var e error
			retryResult, e = rc.inner.QueryStatus(ctx, unit)
			return e
		})
		if retryErr != nil {
			return domain.ChangeStatus{}, retryErr
		}
		return retryResult, nil
	}
	return result, err
}
