// tenant-migrate applies the current tenant schema to provisioned tenant
// databases and bumps their registry schema_version. Run it off-hours after a
// deploy that changes the tenant models; AutoMigrate DDL can block tables.
//
// With --tenant-id only that tenant is migrated; otherwise every tenant whose
// schema_version is behind gets the migration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
	"github.com/steepletech/flock_backend/tenantdb"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Optional: migrate only this tenant")
	dryRun := flag.Bool("dry-run", false, "If true, do not write; only print actions")
	flag.Parse()

	ctx := context.Background()
	config.ConnectRegistryWithRetry()
	db := config.GetRegistryDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "registry database not initialized")
		os.Exit(1)
	}

	q := db.WithContext(ctx).Model(&models.TenantRecord{})
	if strings.TrimSpace(*tenantID) != "" {
		q = q.Where("id = ?", *tenantID)
	} else {
		q = q.Where("schema_version < ?", models.CurrentTenantSchemaVersion)
	}
	var tenants []models.TenantRecord
	if err := q.Find(&tenants).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list tenants: %v\n", err)
		os.Exit(1)
	}
	if len(tenants) == 0 {
		fmt.Println("all tenants are on the current schema")
		return
	}

	factory := tenantdb.NewGormHandleFactory()
	failed := 0
	for i := range tenants {
		rec := &tenants[i]
		if *dryRun {
			fmt.Printf("[dry-run] would migrate %s (%s) v%d -> v%d\n",
				rec.ID, rec.DatabaseName, rec.SchemaVersion, models.CurrentTenantSchemaVersion)
			continue
		}

		handle, err := factory.OpenHandle(ctx, rec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", rec.ID, err)
			failed++
			continue
		}
		err = models.MigrateTenantSchema(handle.DB)
		if cerr := handle.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "close %s: %v\n", rec.ID, cerr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate %s: %v\n", rec.ID, err)
			failed++
			continue
		}

		if err := db.WithContext(ctx).Model(&models.TenantRecord{}).
			Where("id = ?", rec.ID).
			Update("schema_version", models.CurrentTenantSchemaVersion).Error; err != nil {
			fmt.Fprintf(os.Stderr, "record version for %s: %v\n", rec.ID, err)
			failed++
			continue
		}
		fmt.Printf("migrated %s (%s) v%d -> v%d\n",
			rec.ID, rec.DatabaseName, rec.SchemaVersion, models.CurrentTenantSchemaVersion)
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d tenant(s) failed\n", failed)
		os.Exit(1)
	}
}
