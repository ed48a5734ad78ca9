// seed-plans creates or updates the built-in subscription plans in the
// registry database. Safe to rerun; existing rows are updated in place.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... REGISTRY_DB_NAME=... go run ./cmd/seed-plans
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
	"github.com/steepletech/flock_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func plan(code, name, price string, included int, overage string, allowsOverage bool) models.SubscriptionPlan {
	return models.SubscriptionPlan{
		Code:             code,
		Name:             name,
		MonthlyPrice:     decimal.RequireFromString(price),
		IncludedMessages: included,
		OverageRate:      decimal.RequireFromString(overage),
		AllowsOverage:    &allowsOverage,
		IsActive:         utils.NewTrue(),
	}
}

func main() {
	ctx := context.Background()
	config.ConnectRegistryWithRetry()
	db := config.GetRegistryDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "registry database not initialized (config.GetRegistryDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	plans := []models.SubscriptionPlan{
		plan("starter", "Starter", "29.00", 500, "0.0200", false),
		plan("growth", "Growth", "79.00", 2500, "0.0150", true),
		plan("multiply", "Multiply", "199.00", 10000, "0.0100", true),
	}

	for i := range plans {
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "monthly_price", "included_messages", "overage_rate", "allows_overage", "is_active",
			}),
		}).Create(&plans[i]).Error
		if err != nil && err != gorm.ErrDuplicatedKey {
			fmt.Fprintf(os.Stderr, "failed to seed plan %s: %v\n", plans[i].Code, err)
			os.Exit(1)
		}
		fmt.Printf("seeded plan %-10s %s/mo, %d included\n", plans[i].Code, plans[i].MonthlyPrice, plans[i].IncludedMessages)
	}
}
