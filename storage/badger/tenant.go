package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

// TenantRepository implements storage.TenantRepository for BadgerDB.
type TenantRepository struct {
	backend *Backend
}

var _ storage.TenantRepository = (*TenantRepository)(nil)

// NewTenantRepository creates a new TenantRepository.
func NewTenantRepository(backend *Backend) *TenantRepository {
	return &TenantRepository{backend: backend}
}

// Close is a no-op; the backend owns the database handle.
func (r *TenantRepository) Close() error {
	return nil
}

// CreateTenant validates and stores a tenant record.
func (r *TenantRepository) CreateTenant(ctx context.Context, tenant *core.Tenant) error {
	if err := core.ValidateTenant(tenant); err != nil {
		return err
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}
	return r.backend.WithRetryTx(func(tx *badger.Txn) error {
		key := makeTenantKey(tenant.ID)
		if _, err := tx.Get(key); err == nil {
			return storage.ErrDuplicateKey
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := tx.Set(key, storage.MarshalTenant(tenant)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetTenant retrieves a tenant by ID.
func (r *TenantRepository) GetTenant(ctx context.Context, id core.TenantID) (*core.Tenant, error) {
	var tenant *core.Tenant
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeTenantKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return core.ErrTenantNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			tenant, err = storage.UnmarshalTenant(val)
			return err
		})
	}, false)
	return tenant, err
}

// ListTenants returns every tenant the requester owns, or all of them for admins.
func (r *TenantRepository) ListTenants(ctx context.Context, requester *core.Requester) ([]*core.Tenant, error) {
	var tenants []*core.Tenant
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return scanPrefix(tx, []byte(tenantPrefix), false, func(_, val []byte) error {
			tenant, err := storage.UnmarshalTenant(val)
			if err != nil {
				return err
			}
			if requester.Owns(tenant.OwnerID) {
				tenants = append(tenants, tenant)
			}
			return nil
		})
	}, false)
	return tenants, err
}

// DeleteTenant removes a tenant record.
func (r *TenantRepository) DeleteTenant(ctx context.Context, id core.TenantID) error {
	return r.backend.WithRetryTx(func(tx *badger.Txn) error {
		key := makeTenantKey(id)
		if _, err := tx.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return core.ErrTenantNotFound
			}
			return err
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
		return tx.Commit()
	})
}
