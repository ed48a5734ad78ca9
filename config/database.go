package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	registryDb *gorm.DB
)

// GetRegistryDB returns the shared registry/coordinator database.
// Tenant databases are never reachable from here; use the tenant router.
func GetRegistryDB() *gorm.DB {
	return registryDb
}

func init() {
	// Load env from .env
	godotenv.Load()
	// IMPORTANT (Cloud Run):
	// Do NOT block startup in init() waiting for DB.
	// Cloud Run requires the container to start listening on $PORT quickly.
}

// CoordinatorDSN builds a connection string for a database living on the
// coordinator MySQL server, substituting dbName into the coordinator's own
// credentials. Provisioning uses this to mint per-tenant connection strings.
func CoordinatorDSN(dbName string) string {
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")

	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, dbPort)

	// Cloud Run + Cloud SQL: when DB_HOST is "/cloudsql/<CONNECTION_NAME>",
	// connect using a Unix domain socket provided by Cloud SQL Auth Proxy.
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}

	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		dbUser,
		dbPassword,
		network,
		address,
		dbName,
	)
}

// CoordinatorHostPort returns the host/port the registry records for newly
// provisioned tenants. For unix-socket hosts the port is empty.
func CoordinatorHostPort() (string, string) {
	dbHost := os.Getenv("DB_HOST")
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		return dbHost, ""
	}
	return dbHost, os.Getenv("DB_PORT")
}

// ConnectRegistryWithRetry connects the registry database and sets the global.
// Call this from main() AFTER the HTTP server is listening.
func ConnectRegistryWithRetry() {
	registryName := os.Getenv("REGISTRY_DB_NAME")
	if registryName == "" {
		registryName = "flock_registry"
	}
	dsn := CoordinatorDSN(registryName)

	var attempt int
	for {
		attempt++
		var err error
		registryDb, err = gorm.Open(mysql.Open(dsn), initConfig())
		if err == nil {
			tunePool(registryDb)
			if pluginErr := registryDb.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("registry db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			log.Printf("connected to registry database (attempt=%d)", attempt)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect registry database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

// tunePool applies database/sql pool settings from env.
// Env overrides (optional):
// - DB_MAX_OPEN_CONNS (default 50)
// - DB_MAX_IDLE_CONNS (default 25)
// - DB_CONN_MAX_LIFETIME_SECONDS (default 300)
// - DB_CONN_MAX_IDLE_TIME_SECONDS (default 60)
func tunePool(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil || sqlDB == nil {
		return
	}
	maxOpen := IntFromEnv("DB_MAX_OPEN_CONNS", 50)
	maxIdle := IntFromEnv("DB_MAX_IDLE_CONNS", 25)
	connMaxLife := time.Duration(IntFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
	connMaxIdle := time.Duration(IntFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(connMaxLife)
	}
	if connMaxIdle > 0 {
		sqlDB.SetConnMaxIdleTime(connMaxIdle)
	}
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
	return newLogger
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}

// GormConfig exposes the shared gorm settings so tenant handles are opened
// with the same logger and naming rules as the registry connection.
func GormConfig() *gorm.Config {
	return initConfig()
}

// TuneTenantPool caps a tenant handle's pool. Each handle consumes at most
// TENANT_DB_MAX_OPEN_CONNS (default 5) connections against the global budget.
func TuneTenantPool(db *gorm.DB) int {
	sqlDB, err := db.DB()
	if err != nil || sqlDB == nil {
		return 0
	}
	maxOpen := IntFromEnv("TENANT_DB_MAX_OPEN_CONNS", 5)
	maxIdle := IntFromEnv("TENANT_DB_MAX_IDLE_CONNS", 2)
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	sqlDB.SetConnMaxIdleTime(time.Duration(IntFromEnv("TENANT_DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second)
	return maxOpen
}
