package tenantdb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
	"github.com/steepletech/flock_backend/utils"
)

// ProvisioningError marks a failed onboarding step. Provisioning is
// all-or-nothing: no TenantRecord is ever committed pointing at a missing or
// unschemaed database.
type ProvisioningError struct {
	Step           string
	OrganizationId string
	Err            error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision org %s failed at %s: %v", e.OrganizationId, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// NewOrganization is the provisioning input.
type NewOrganization struct {
	OrganizationId string `json:"organization_id" validate:"required,max=64"`
	Name           string `json:"name" validate:"required,max=255"`
	Email          string `json:"email" validate:"omitempty,email"`
	Plan           string `json:"plan"`
}

type Provisioner struct {
	Factory HandleFactory
	Logger  *logrus.Logger
}

func NewProvisioner(factory HandleFactory, logger *logrus.Logger) *Provisioner {
	return &Provisioner{Factory: factory, Logger: logger}
}

var (
	dbNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)
	validate      = validator.New()
)

// Provision creates an isolated database for the organization, applies the
// tenant schema, and commits the TenantRecord — in that order. Any failure
// drops the freshly created database so nothing half-provisioned survives.
// There is exactly one TenantRecord per organization; a second call returns
// the existing record.
func (p *Provisioner) Provision(ctx context.Context, in NewOrganization) (*models.TenantRecord, error) {
	if err := validate.Struct(&in); err != nil {
		return nil, &ProvisioningError{Step: "validate input", OrganizationId: in.OrganizationId, Err: err}
	}

	// Cross-instance serialization is best effort via redislock; the unique
	// index on organization_id is the actual guard.
	if locker := config.GetRedisLock(); locker != nil {
		lock, lockErr := locker.Obtain(ctx, "provision:"+in.OrganizationId, 30*time.Second, nil)
		if lockErr == nil {
			defer lock.Release(context.Background())
		} else if lockErr != redislock.ErrNotObtained {
			config.LogError(p.Logger, "provision.go", "Provision", "redislock", in.OrganizationId, lockErr)
		}
	}

	existing, err := models.GetTenantByOrganizationId(ctx, in.OrganizationId)
	if err == nil {
		return existing, nil
	}
	if err != models.ErrTenantNotFound {
		return nil, &ProvisioningError{Step: "registry lookup", OrganizationId: in.OrganizationId, Err: err}
	}

	tenantId := uuid.NewString()
	dbName := "flock_t_" + strings.ReplaceAll(tenantId, "-", "")
	if !dbNamePattern.MatchString(dbName) {
		return nil, &ProvisioningError{Step: "name database", OrganizationId: in.OrganizationId, Err: fmt.Errorf("generated name %q is not a valid identifier", dbName)}
	}

	registry := config.GetRegistryDB()
	createSQL := fmt.Sprintf("CREATE DATABASE `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", dbName)
	if err := registry.WithContext(ctx).Exec(createSQL).Error; err != nil {
		return nil, &ProvisioningError{Step: "create database", OrganizationId: in.OrganizationId, Err: err}
	}

	host, port := config.CoordinatorHostPort()
	plan := in.Plan
	if plan == "" {
		plan = "starter"
	}
	trialEnds := time.Now().UTC().Add(30 * 24 * time.Hour)
	rec := &models.TenantRecord{
		ID:                 tenantId,
		OrganizationId:     in.OrganizationId,
		Name:               in.Name,
		Email:              in.Email,
		ConnectionUrl:      config.CoordinatorDSN(dbName),
		Host:               host,
		Port:               port,
		DatabaseName:       dbName,
		SubscriptionPlan:   plan,
		SubscriptionStatus: models.SubscriptionStatusTrialing,
		TrialEndsAt:        &trialEnds,
		Status:             models.TenantStatusActive,
		SchemaVersion:      models.CurrentTenantSchemaVersion,
	}

	if err := p.applySchema(ctx, rec); err != nil {
		p.dropDatabase(ctx, dbName)
		return nil, &ProvisioningError{Step: "apply schema", OrganizationId: in.OrganizationId, Err: err}
	}

	if err := registry.WithContext(ctx).Create(rec).Error; err != nil {
		p.dropDatabase(ctx, dbName)
		return nil, &ProvisioningError{Step: "commit record", OrganizationId: in.OrganizationId, Err: err}
	}

	return rec, nil
}

func (p *Provisioner) applySchema(ctx context.Context, rec *models.TenantRecord) error {
	handle, err := p.Factory.OpenHandle(ctx, rec)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := handle.Close(); cerr != nil {
			config.LogError(p.Logger, "provision.go", "applySchema", "close provisioning handle", rec.ID, cerr)
		}
	}()
	return models.MigrateTenantSchema(handle.DB)
}

func (p *Provisioner) dropDatabase(ctx context.Context, dbName string) {
	if !dbNamePattern.MatchString(dbName) {
		return
	}
	dropSQL := fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbName)
	if err := config.GetRegistryDB().WithContext(ctx).Exec(dropSQL).Error; err != nil {
		config.LogError(p.Logger, "provision.go", "dropDatabase", dbName, nil, err)
	}
}

// RepairConnectionUrl recomputes a tenant's connection string from its
// database name and the coordinator's credentials. Some early tenants were
// provisioned with a truncated hostname; this is the idempotent corrective
// pass, not part of the steady-state path.
func (p *Provisioner) RepairConnectionUrl(ctx context.Context, tenantId string) (*models.TenantRecord, error) {
	rec, err := models.GetTenantByIdFresh(ctx, tenantId)
	if err != nil {
		return nil, err
	}

	computed := config.CoordinatorDSN(rec.DatabaseName)
	if ConnectionUrlMatches(rec.ConnectionUrl, computed) {
		return rec, nil
	}

	host, port := config.CoordinatorHostPort()
	updates := map[string]interface{}{
		"connection_url": computed,
		"host":           host,
		"port":           port,
	}
	if err := config.GetRegistryDB().WithContext(ctx).
		Model(&models.TenantRecord{}).
		Where("id = ?", tenantId).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	// The cached record is stale the moment the row changes.
	if cerr := utils.InvalidateTenantCache(ctx, tenantId); cerr != nil {
		config.LogError(p.Logger, "provision.go", "RepairConnectionUrl", "invalidate cache", tenantId, cerr)
	}

	rec.ConnectionUrl = computed
	rec.Host = host
	rec.Port = port
	return rec, nil
}

// ConnectionUrlMatches compares two DSNs by their addressing fields rather
// than raw string equality, so query-parameter ordering differences do not
// trigger pointless repairs.
func ConnectionUrlMatches(stored, computed string) bool {
	a, errA := mysql.ParseDSN(stored)
	b, errB := mysql.ParseDSN(computed)
	if errA != nil || errB != nil {
		return false
	}
	return a.Addr == b.Addr && a.DBName == b.DBName && a.User == b.User && a.Net == b.Net
}
