package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

// GetDB returns the embedded local cache handle. It is nil when the cache
// could not be opened; callers degrade to memory-only behavior in that case.
func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT block startup in init() opening the cache.
	// The server must start listening on $PORT quickly.
}

func localCachePath() string {
	if v := strings.TrimSpace(os.Getenv("LOCAL_CACHE_PATH")); v != "" {
		return v
	}
	return "possync.db"
}

// OpenLocalCache opens the embedded SQLite cache and sets the global DB.
// Call this from main() AFTER the HTTP server is listening. Unlike a managed
// database, a broken embedded cache is survivable: on failure the DB stays
// nil and every store operation reports StorageUnavailable instead.
func OpenLocalCache() error {
	path := localCachePath()

	var err error
	db, err = gorm.Open(sqlite.Open(path), initConfig())
	if err != nil {
		db = nil
		log.Printf("failed to open local cache at %s: %v; running without local persistence", path, err)
		return err
	}

	if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
		// SQLite is single-writer; keep the pool tiny to avoid lock churn.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(time.Minute)
	}

	if pluginErr := db.Use(NewTenantGuardPlugin()); pluginErr != nil {
		log.Printf("cache opened but failed to install tenant guard plugin: %v", pluginErr)
	}
	log.Printf("opened local cache at %s", path)
	return nil
}

// OpenLocalCacheAt opens the cache at an explicit path, bypassing env. Used
// by tests and one-shot operator tools.
func OpenLocalCacheAt(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), initConfig())
	if err != nil {
		return nil, err
	}
	if pluginErr := gdb.Use(NewTenantGuardPlugin()); pluginErr != nil {
		return nil, pluginErr
	}
	return gdb, nil
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

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
