package service

import (
	"context"
	"time"

	"phoenix/internal/ratelimit/models"
)

// Store counts attempts in fixed windows.
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
}
