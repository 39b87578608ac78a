// Copyright 2025 Kadir Pekel
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

package config

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DatabaseConfig names one SQL backing store a deployment can point the
// checkpoint store or the rate limiter at. Named databases let a single
// process share one connection, e.g. "default" backing both.
type DatabaseConfig struct {
	// Driver selects the SQL dialect: "postgres", "mysql", or "sqlite".
	Driver string `yaml:"driver,omitempty"`

	// DSN is used verbatim when set, bypassing Host/Port/User/...
	// composition below.
	DSN string `yaml:"dsn,omitempty"`

	// Database is the sqlite file path, or the database name for
	// postgres/mysql.
	Database string `yaml:"database,omitempty"`

	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`

	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`
}

// SetDefaults fills in the usual per-driver defaults.
func (d *DatabaseConfig) SetDefaults() {
	if d.Driver == "" {
		d.Driver = "sqlite"
	}
	if d.Driver == "postgres" && d.Port == 0 {
		d.Port = 5432
	}
	if d.Driver == "mysql" && d.Port == 0 {
		d.Port = 3306
	}
	if d.Driver == "postgres" && d.SSLMode == "" {
		d.SSLMode = "disable"
	}
	if d.Driver == "sqlite" && d.Database == "" {
		d.Database = "./executioncore.db"
	}
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = 10
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = 5
	}
}

// Validate rejects unknown drivers and incomplete non-sqlite configs.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database: unsupported driver %q", d.Driver)
	}
	if d.DSN == "" && d.Driver != "sqlite" && d.Database == "" {
		return fmt.Errorf("database: %q requires either dsn or database", d.Driver)
	}
	return nil
}

// Dialect reports the SQL dialect name a store implementation should
// use to pick its placeholder syntax and upsert statements.
func (d *DatabaseConfig) Dialect() string {
	return d.Driver
}

// dsn builds the driver-specific connection string, or returns DSN
// unmodified when the operator supplied one directly.
func (d *DatabaseConfig) dsn() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", d.User, d.Password, d.Host, d.Port, d.Database)
	default: // sqlite
		return d.Database
	}
}

// driverName maps a dialect to the database/sql driver name registered
// by this file's blank imports.
func (d *DatabaseConfig) driverName() string {
	switch d.Driver {
	case "postgres":
		return "postgres"
	case "mysql":
		return "mysql"
	default:
		return "sqlite3"
	}
}

// DBPool caches one *sql.DB per named database so the checkpoint store,
// rate limiter, and any future component share a connection pool
// instead of each opening their own.
type DBPool struct {
	mu    sync.Mutex
	conns map[string]*sql.DB
}

// NewDBPool returns an empty pool.
func NewDBPool() *DBPool {
	return &DBPool{conns: make(map[string]*sql.DB)}
}

// Get returns the open *sql.DB for cfg, opening (and ping-testing) a new
// one on first use and caching it by dialect+dsn for subsequent callers.
func (p *DBPool) Get(cfg *DatabaseConfig) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config: DBPool.Get: nil DatabaseConfig")
	}
	key := cfg.driverName() + "|" + cfg.dsn()

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.conns[key]; ok {
		return db, nil
	}

	db, err := sql.Open(cfg.driverName(), cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("config: open database (%s): %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: ping database (%s): %w", cfg.Driver, err)
	}

	p.conns[key] = db
	return db, nil
}

// Close closes every connection the pool has opened.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, db := range p.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, key)
	}
	return firstErr
}

// GetDatabase looks up a named database config off the root Config.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	if c.Databases == nil {
		return nil, false
	}
	cfg, ok := c.Databases[name]
	return cfg, ok
}
