package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailhook/internal/models"
)

// ErrEndpointNotFound is returned when a requested endpoint cannot be found.
var ErrEndpointNotFound = errors.New("endpoint not found")

// CreateEndpoint inserts a delivery endpoint and populates its ID.
func CreateEndpoint(ctx context.Context, pool *pgxpool.Pool, endpoint *models.Endpoint) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO endpoints (user_id, name, url, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, endpoint.UserID, endpoint.Name, endpoint.URL, endpoint.IsActive).Scan(&endpoint.ID, &endpoint.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}

	return nil
}

// GetEndpoint returns one of the user's endpoints.
func GetEndpoint(ctx context.Context, pool *pgxpool.Pool, userID, endpointID string) (*models.Endpoint, error) {
	defer observe("get_endpoint")()

	var endpoint models.Endpoint
	err := pool.QueryRow(ctx, `
		SELECT id, user_id, name, url, is_active, created_at
		FROM endpoints
		WHERE id = $1 AND user_id = $2
	`, endpointID, userID).Scan(
		&endpoint.ID,
		&endpoint.UserID,
		&endpoint.Name,
		&endpoint.URL,
		&endpoint.IsActive,
		&endpoint.CreatedAt,
	)

	if notFound(err) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}

	return &endpoint, nil
}

// SetEndpointActive enables or disables an endpoint.
func SetEndpointActive(ctx context.Context, pool *pgxpool.Pool, userID, endpointID string, active bool) error {
	tag, err := pool.Exec(ctx, `
		UPDATE endpoints SET is_active = $3 WHERE id = $1 AND user_id = $2
	`, endpointID, userID, active)
	if err != nil {
		return fmt.Errorf("failed to update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}
