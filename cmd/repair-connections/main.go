// repair-connections rewrites tenant connection URLs that have drifted from
// what the current DB_* environment would produce (moved coordinator,
// truncated hostnames from old provisioning bugs). The repair is idempotent;
// tenants whose stored DSN already matches are untouched.
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
	tenantID := flag.String("tenant-id", "", "Optional: repair only this tenant")
	dryRun := flag.Bool("dry-run", false, "If true, do not write; only print mismatches")
	flag.Parse()

	ctx := context.Background()
	config.ConnectRegistryWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetRegistryDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "registry database not initialized")
		os.Exit(1)
	}

	q := db.WithContext(ctx).Model(&models.TenantRecord{})
	if strings.TrimSpace(*tenantID) != "" {
		q = q.Where("id = ?", *tenantID)
	}
	var tenants []models.TenantRecord
	if err := q.Find(&tenants).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list tenants: %v\n", err)
		os.Exit(1)
	}

	logger := config.GetLogger()
	provisioner := tenantdb.NewProvisioner(tenantdb.NewGormHandleFactory(), logger)
	mismatched, repaired, failed := 0, 0, 0
	for i := range tenants {
		rec := &tenants[i]
		computed := config.CoordinatorDSN(rec.DatabaseName)
		if tenantdb.ConnectionUrlMatches(rec.ConnectionUrl, computed) {
			continue
		}
		mismatched++
		if *dryRun {
			fmt.Printf("[dry-run] %s (%s): stored DSN drifted\n", rec.ID, rec.DatabaseName)
			continue
		}
		if _, err := provisioner.RepairConnectionUrl(ctx, rec.ID); err != nil {
			fmt.Fprintf(os.Stderr, "repair %s: %v\n", rec.ID, err)
			failed++
			continue
		}
		repaired++
		fmt.Printf("repaired %s (%s)\n", rec.ID, rec.DatabaseName)
	}

	fmt.Printf("checked %d tenant(s): %d drifted, %d repaired, %d failed\n",
		len(tenants), mismatched, repaired, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
