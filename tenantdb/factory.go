package tenantdb

import (
	"context"
	"log"

	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// HandleFactory opens a live handle from a tenant's connection descriptor.
// The router is agnostic to how handles are actually opened, so tests swap in
// an in-memory fake.
type HandleFactory interface {
	OpenHandle(ctx context.Context, rec *models.TenantRecord) (*TenantHandle, error)
}

type gormHandleFactory struct{}

// NewGormHandleFactory returns the production factory: a gorm/MySQL pool per
// tenant, tuned to the per-tenant connection cap, with the same otelgorm and
// naming setup as the registry connection.
func NewGormHandleFactory() HandleFactory {
	return gormHandleFactory{}
}

func (gormHandleFactory) OpenHandle(ctx context.Context, rec *models.TenantRecord) (*TenantHandle, error) {
	db, err := gorm.Open(mysql.Open(rec.ConnectionUrl), config.GormConfig())
	if err != nil {
		return nil, err
	}
	conns := config.TuneTenantPool(db)
	if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Printf("tenant db connected but failed to install otelgorm plugin (tenant=%s): %v", rec.ID, pluginErr)
	}

	closeFn := func() error {
		sqlDB, derr := db.DB()
		if derr != nil {
			return derr
		}
		return sqlDB.Close()
	}
	return newHandle(rec.ID, db, conns, closeFn), nil
}
