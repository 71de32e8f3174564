package db

import (
	"context"
	"errors"
	"testing"

	"github.com/vdavid/mailhook/internal/guard"
	"github.com/vdavid/mailhook/internal/models"
	"github.com/vdavid/mailhook/internal/testutil"
)

func TestEndpoints(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	store := NewGuardStore(pool)

	userID, err := GetOrCreateUser(ctx, pool, "endpoints@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	otherID, err := GetOrCreateUser(ctx, pool, "other-endpoints@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}

	endpoint := &models.Endpoint{UserID: userID, Name: "crm", URL: "https://crm.example.com/hook", IsActive: true}
	if err := store.CreateEndpoint(ctx, endpoint); err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	if endpoint.ID == "" {
		t.Fatal("Expected CreateEndpoint to populate the ID")
	}

	t.Run("can be disabled and re-enabled", func(t *testing.T) {
		if err := store.SetEndpointActive(ctx, userID, endpoint.ID, false); err != nil {
			t.Fatalf("SetEndpointActive failed: %v", err)
		}
		got, err := store.GetEndpoint(ctx, userID, endpoint.ID)
		if err != nil {
			t.Fatalf("GetEndpoint failed: %v", err)
		}
		if got.IsActive {
			t.Error("Expected endpoint to be inactive")
		}

		if err := store.SetEndpointActive(ctx, userID, endpoint.ID, true); err != nil {
			t.Fatalf("SetEndpointActive failed: %v", err)
		}
		got, err = store.GetEndpoint(ctx, userID, endpoint.ID)
		if err != nil {
			t.Fatalf("GetEndpoint failed: %v", err)
		}
		if !got.IsActive {
			t.Error("Expected endpoint to be active again")
		}
	})

	t.Run("other users cannot see or change it", func(t *testing.T) {
		if _, err := store.GetEndpoint(ctx, otherID, endpoint.ID); !errors.Is(err, guard.ErrEndpointNotFound) {
			t.Errorf("Expected guard.ErrEndpointNotFound, got %v", err)
		}
		if err := store.SetEndpointActive(ctx, otherID, endpoint.ID, false); !errors.Is(err, guard.ErrEndpointNotFound) {
			t.Errorf("Expected guard.ErrEndpointNotFound, got %v", err)
		}
	})

	t.Run("malformed id is not found", func(t *testing.T) {
		if _, err := store.GetEndpoint(ctx, userID, "not-a-uuid"); !errors.Is(err, guard.ErrEndpointNotFound) {
			t.Errorf("Expected guard.ErrEndpointNotFound, got %v", err)
		}
	})
}
