package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/waabox/changegate/internal/config"
)

// TokenManager handles silent token refresh and config persistence.
type TokenManager struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewTokenManager creates a TokenManager. The OAuth endpoint is derived from
// cfg.ServiceNow.URL.
func NewTokenManager(cfg *config.Config, configPath string, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// RefreshServiceNow attempts to refresh the ServiceNow access token using the stored refresh token.
// On success, it updates the config in memory and persists it to disk. A
// failed save is logged only: the refreshed token is valid for this process.
func (tm *TokenManager) RefreshServiceNow(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	sn := &tm.cfg.ServiceNow
	if sn.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token available")
	}

	grant := NewRefreshGrant(sn.ClientID, sn.ClientSecret, sn.URL)
	resp, err := grant.Refresh(ctx, sn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refreshing ServiceNow token: %w", err)
	}

	sn.Token = resp.AccessToken
	sn.RefreshToken = resp.RefreshToken

	if tm.configPath != "" {
		if saveErr := config.Save(tm.configPath, *tm.cfg); saveErr != nil {
			tm.logger.Warn("token refreshed but config not saved", "path", tm.configPath, "error", saveErr)
		}
	}

	return resp.AccessToken, nil
}
