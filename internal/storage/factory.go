package storage

import (
	"fmt"

	"storefront/internal/models"
)

// Factory opens the backend that holds the catalog, stock levels, users and
// orders. The inventory service relies on every backend applying
// UpdateInventory atomically, so only backends that can do that are listed.
type Factory struct {
	memoryOpts []MemoryOption
}

// NewFactory creates a factory. memoryOpts apply when the memory backend is
// selected.
func NewFactory(memoryOpts ...MemoryOption) *Factory {
	return &Factory{memoryOpts: memoryOpts}
}

// Create validates config and opens the selected backend:
//   - memory: process-local maps guarded by one lock; state is lost on exit
//   - postgres: row locks via SELECT ... FOR UPDATE, shared by every instance
//   - sqlite: single-file database with immediate write transactions
func (f *Factory) Create(config models.StorageConfig) (Storage, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch config.Type {
	case models.StorageTypeMemory:
		return NewMemoryStorage(f.memoryOpts...), nil
	case models.StorageTypePostgres:
		return NewPostgresStorage(config.Database)
	case models.StorageTypeSQLite:
		return NewSQLiteStorage(config.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// GetSupportedProviders lists the accepted values of storage.type.
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeMemory, models.StorageTypePostgres, models.StorageTypeSQLite}
}

// ValidateConfig checks that the database backends have a DSN to open.
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeMemory:
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	return nil
}
