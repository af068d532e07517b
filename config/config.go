// Package config defines the configuration surface for tempgres: the
// settings of the PostgreSQL instance being managed, the provisioning mode,
// and the functional options accepted by the kit constructor.
package config

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5"
)

// Mode selects the provisioning strategy for a kit.
type Mode int

const (
	// ModeSingle provisions a fresh logical database on the target server
	// for each kit, migrates it, and drops it on teardown. This is the
	// default: it gives database-level isolation at the cost of a
	// CREATE/DROP DATABASE round trip per kit.
	ModeSingle Mode = iota

	// ModeNormal connects directly to the configured database on a
	// long-lived server. No per-kit database is created or dropped;
	// isolation is left to the connection/transaction level.
	ModeNormal
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeNormal:
		return "normal"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Config describes the PostgreSQL instance a kit starts or attaches to.
type Config struct {
	Version  embeddedpostgres.PostgresVersion // e.g. embeddedpostgres.V16
	Host     string                           // Host for the server to listen on. Defaults to "localhost".
	Port     uint32                           // Port for the server to listen on. 0 means pick a random free port.
	Database string                           // Initial database to create and connect to. Must not be empty.
	Username string                           // Database user. Must not be empty.
	Password string                           // Database password. Must not be empty.

	BinariesPath string        // Optional path to existing postgres binaries. If empty, they are downloaded.
	StartTimeout time.Duration // How long to wait for the server to become ready. Default 15s.
	Logger       *os.File      // Destination for raw postgres output. Default os.Stderr; nil discards.

	StartupParams map[string]string // Additional server parameters for postgresql.conf.
	DSNParams     map[string]string // Additional parameters appended to the DSN (e.g. "search_path=public").

	KeepDatabase bool   // If true, the provisioned database is not dropped on cleanup.
	DumpPath     string // If set, the database is dumped via pg_dump on teardown.
	LoadPath     string // If set, a SQL script is loaded via psql after startup.

	SQLTxOptions *sql.TxOptions // Transaction options for RunSQLTx. Default nil.
	PgxTxOptions pgx.TxOptions  // Transaction options for RunTx. Default zero value.
}

// Validate checks that the fields every mode depends on are set.
func (c *Config) Validate() error {
	var errs []string
	// Port 0 is valid and means random port selection.
	if c.Database == "" {
		errs = append(errs, "Database must not be empty")
	}
	if c.Username == "" {
		errs = append(errs, "Username must not be empty")
	}
	if c.Password == "" {
		errs = append(errs, "Password must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, ", "))
	}
	return nil
}

// DefaultConfig returns a configuration suitable for an embedded throwaway
// instance.
func DefaultConfig() Config {
	return Config{
		Version:      V16_4,
		Host:         "localhost",
		Port:         0, // random free port
		Database:     "testdb",
		Username:     "testuser",
		Password:     "testpassword",
		StartTimeout: 15 * time.Second,
		Logger:       os.Stderr,
	}
}

// DSN constructs a connection string for the configured database. It assumes
// the port has already been assigned (either fixed or randomly).
func (c *Config) DSN() string {
	return c.DSNFor(c.Database)
}

// AdminDSN constructs a connection string for the server's administrative
// "postgres" database, used for CREATE/DROP DATABASE.
func (c *Config) AdminDSN() string {
	return c.DSNFor("postgres")
}

// DSNFor constructs a connection string for the named database on the
// configured server, appending any configured DSN parameters.
func (c *Config) DSNFor(database string) string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Username, c.Password, host, c.Port, database)

	if len(c.DSNParams) > 0 {
		params := make([]string, 0, len(c.DSNParams))
		for k, v := range c.DSNParams {
			params = append(params, fmt.Sprintf("%s=%s", k, v))
		}
		dsn = dsn + "&" + strings.Join(params, "&")
	}
	return dsn
}
