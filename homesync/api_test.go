package homesync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHomeApiSubmitMutation(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	api := NewHomeApi(server.apiUrl())
	defer api.Close()
	api.SetByJwt(makeTestByJwt(NewId()))

	ctx := context.Background()
	milkKey := NewEntityKey("shopping_item", "milk")

	result, err := api.SubmitMutation(ctx, &SubmitMutationArgs{
		Operation:      OperationCreate,
		Payload:        map[string]any{"qty": float64(1)},
		IdempotencyKey: NewId(),
		EntityType:     "shopping_item",
		EntityId:       "milk",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.ServerVersion, EntityVersion(1))
	assert.Equal(t, server.entity(milkKey).fields, map[string]any{"qty": float64(1)})

	// a stale base version maps to a version conflict carrying the
	// server's current state
	_, err = api.SubmitMutation(ctx, &SubmitMutationArgs{
		Operation:      OperationUpdate,
		Payload:        map[string]any{"qty": float64(5)},
		BaseVersion:    0,
		IdempotencyKey: NewId(),
		EntityType:     "shopping_item",
		EntityId:       "milk",
	})
	var conflictErr *VersionConflictError
	assert.Equal(t, errors.As(err, &conflictErr), true)
	assert.Equal(t, conflictErr.CurrentVersion, EntityVersion(1))
	assert.Equal(t, conflictErr.CurrentFields, map[string]any{"qty": float64(1)})

	// a semantic rejection maps to a permanent error
	_, err = api.SubmitMutation(ctx, &SubmitMutationArgs{
		Operation:      Operation("Upsert"),
		BaseVersion:    1,
		IdempotencyKey: NewId(),
		EntityType:     "shopping_item",
		EntityId:       "milk",
	})
	var rejectionErr *PermanentRejectionError
	assert.Equal(t, errors.As(err, &rejectionErr), true)
	assert.Equal(t, rejectionErr.StatusCode, 422)
}

func TestHomeApiTransportError(t *testing.T) {
	// closed port. connection errors map to transient
	api := NewHomeApi("http://127.0.0.1:1")
	defer api.Close()

	_, err := api.SubmitMutation(context.Background(), &SubmitMutationArgs{
		Operation:      OperationCreate,
		IdempotencyKey: NewId(),
		EntityType:     "shopping_item",
		EntityId:       "milk",
	})
	var transientErr *TransientNetworkError
	assert.Equal(t, errors.As(err, &transientErr), true)
}

func TestHomeApiSyncSince(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	milkKey := NewEntityKey("shopping_item", "milk")
	server.setEntity(milkKey, map[string]any{"qty": float64(2)}, 1, NewId())
	server.setEntity(milkKey, map[string]any{"qty": float64(3)}, 2, NewId())

	api := NewHomeApi(server.apiUrl())
	defer api.Close()

	events, err := api.SyncSince(context.Background(), "shopping_item", 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Version, EntityVersion(2))
	assert.Equal(t, events[0].Fields, map[string]any{"qty": float64(3)})

	events, err = api.SyncSince(context.Background(), "recipe", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 0)
}

func TestHomeApiAuthLogin(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	api := NewHomeApi(server.apiUrl())
	defer api.Close()

	result, err := api.AuthLoginWithPasswordSync(&AuthLoginWithPasswordArgs{
		UserAuth: "pat@example.com",
		Password: "hunter2",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Error, nil)
	byJwt, err := ParseByJwtUnverified(result.Session.ByJwt)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, byJwt.DeviceId, Id{})
	assert.Equal(t, byJwt.HouseholdName, "testhouse")

	result, err = api.AuthLoginWithPasswordSync(&AuthLoginWithPasswordArgs{
		UserAuth: "pat@example.com",
		Password: "wrong",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Session, nil)
	assert.NotEqual(t, result.Error, nil)
}

// the async login variant delivers through the callback, which a caller
// can block on
func TestHomeApiAuthLoginAsync(t *testing.T) {
	server := newTestSyncServer()
	defer server.close()

	api := NewHomeApi(server.apiUrl())
	defer api.Close()

	callback, callbackResults := NewBlockingApiCallback[*AuthLoginWithPasswordResult]()
	api.AuthLoginWithPassword(&AuthLoginWithPasswordArgs{
		UserAuth: "pat@example.com",
		Password: "hunter2",
	}, callback)

	callbackResult := <-callbackResults
	assert.Equal(t, callbackResult.Error, nil)
	assert.Equal(t, callbackResult.Result.Error, nil)
	byJwt, err := ParseByJwtUnverified(callbackResult.Result.Session.ByJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.HouseholdName, "testhouse")
}
