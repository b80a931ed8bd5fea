// Copyright 2026 StelloVault Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collateral

import (
	"crypto/sha256"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellovault/vaultcore/auth"
	"github.com/stellovault/vaultcore/clock"
	"github.com/stellovault/vaultcore/database"
	"github.com/stellovault/vaultcore/event"
)

const (
	testAdmin           auth.Principal = "admin"
	testEscrowAuthority auth.Principal = "escrow-core"
	testOwner           auth.Principal = "alice"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	r := NewRegistry(RegistryConfig{
		PromRegistry: prometheus.NewRegistry(),
		EventBus:     event.NewEventBus(nil, nil),
		Database:     db,
		Authorizer:   auth.AllowAll(),
		Clock:        clock.NewMock(1000),
	})
	require.NoError(t, r.Initialize(testAdmin))
	require.NoError(t, r.SetEscrowAuthority(testEscrowAuthority))
	return r
}

func testMetadataHash(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestInitializeOnce(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.Initialize(testAdmin), ErrAlreadyInitialized)
	admin, err := r.Admin()
	require.NoError(t, err)
	assert.Equal(t, testAdmin, admin)
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Register(testOwner, 5000, 2000, testMetadataHash("invoice-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	item, err := r.Get(id)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, testOwner, item.Owner)
	assert.Equal(t, int64(5000), item.FaceValue)
	assert.Equal(t, uint64(2000), item.ExpiryTs)
	assert.Equal(t, uint64(1000), item.RegisteredAt)
	assert.False(t, item.Locked)
	// Ids are sequential
	id2, err := r.Register(testOwner, 100, 2000, testMetadataHash("invoice-2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id2)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(testOwner, 0, 2000, testMetadataHash("zero"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = r.Register(testOwner, -5, 2000, testMetadataHash("negative"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	// Expiry must be strictly in the future
	_, err = r.Register(testOwner, 100, 1000, testMetadataHash("now"))
	assert.ErrorIs(t, err, ErrCollateralExpired)
	_, err = r.Register(testOwner, 100, 999, testMetadataHash("past"))
	assert.ErrorIs(t, err, ErrCollateralExpired)
}

func TestRegisterDuplicateMetadata(t *testing.T) {
	r := newTestRegistry(t)
	hash := testMetadataHash("invoice-1")
	_, err := r.Register(testOwner, 5000, 2000, hash)
	require.NoError(t, err)
	// Same metadata by the same owner
	_, err = r.Register(testOwner, 5000, 2000, hash)
	assert.ErrorIs(t, err, ErrDuplicateMetadata)
	// Same metadata by a different owner
	_, err = r.Register("bob", 100, 3000, hash)
	assert.ErrorIs(t, err, ErrDuplicateMetadata)
}

func TestLockUnlock(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Register(testOwner, 5000, 2000, testMetadataHash("invoice-1"))
	require.NoError(t, err)

	locked, err := r.IsLocked(id)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, r.Lock(id))
	locked, err = r.IsLocked(id)
	require.NoError(t, err)
	assert.True(t, locked)

	// Double lock fails
	assert.ErrorIs(t, r.Lock(id), ErrCollateralLocked)

	require.NoError(t, r.Unlock(id))
	locked, err = r.IsLocked(id)
	require.NoError(t, err)
	assert.False(t, locked)

	// Double unlock is an idempotent no-op
	require.NoError(t, r.Unlock(id))
}

func TestLockUnknownCollateral(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.Lock(42), ErrCollateralNotFound)
	assert.ErrorIs(t, r.Unlock(42), ErrCollateralNotFound)
}

func TestGetUnknownCollateral(t *testing.T) {
	r := newTestRegistry(t)
	item, err := r.Get(42)
	require.NoError(t, err)
	assert.Nil(t, item)
	locked, err := r.IsLocked(42)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRegisterUnauthorized(t *testing.T) {
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	authorizer := auth.NewStatic()
	r := NewRegistry(RegistryConfig{
		PromRegistry: prometheus.NewRegistry(),
		EventBus:     event.NewEventBus(nil, nil),
		Database:     db,
		Authorizer:   authorizer,
		Clock:        clock.NewMock(1000),
	})
	require.NoError(t, r.Initialize(testAdmin))
	_, err = r.Register(testOwner, 5000, 2000, testMetadataHash("invoice-1"))
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	// Granting the call makes it pass
	authorizer.Grant(testOwner, "collateral.register")
	_, err = r.Register(testOwner, 5000, 2000, testMetadataHash("invoice-1"))
	assert.NoError(t, err)
}

func TestLockRequiresEscrowAuthority(t *testing.T) {
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	authorizer := auth.NewStatic()
	authorizer.Grant(testAdmin, "collateral.set_escrow_authority")
	authorizer.Grant(testOwner, "collateral.register")
	r := NewRegistry(RegistryConfig{
		PromRegistry: prometheus.NewRegistry(),
		EventBus:     event.NewEventBus(nil, nil),
		Database:     db,
		Authorizer:   authorizer,
		Clock:        clock.NewMock(1000),
	})
	require.NoError(t, r.Initialize(testAdmin))
	id, err := r.Register(testOwner, 5000, 2000, testMetadataHash("invoice-1"))
	require.NoError(t, err)

	// No escrow authority configured yet
	assert.ErrorIs(t, r.Lock(id), auth.ErrUnauthorized)

	require.NoError(t, r.SetEscrowAuthority(testEscrowAuthority))
	// Authority configured but not authorized
	assert.ErrorIs(t, r.Lock(id), auth.ErrUnauthorized)

	authorizer.Grant(testEscrowAuthority, "collateral.lock")
	assert.NoError(t, r.Lock(id))
}

func TestRegisteredEvent(t *testing.T) {
	db, err := database.New(database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	eb := event.NewEventBus(nil, nil)
	r := NewRegistry(RegistryConfig{
		PromRegistry: prometheus.NewRegistry(),
		EventBus:     eb,
		Database:     db,
		Authorizer:   auth.AllowAll(),
		Clock:        clock.NewMock(1000),
	})
	require.NoError(t, r.Initialize(testAdmin))
	_, subCh := eb.Subscribe(RegisteredEventType)
	id, err := r.Register(testOwner, 5000, 2000, testMetadataHash("invoice-1"))
	require.NoError(t, err)
	evt := <-subCh
	data, ok := evt.Data.(RegisteredEvent)
	require.True(t, ok)
	assert.Equal(t, id, data.Id)
	assert.Equal(t, testOwner, data.Owner)
	assert.Equal(t, int64(5000), data.FaceValue)
}
