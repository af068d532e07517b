package config

import embeddedpostgres "github.com/fergusstrange/embedded-postgres"

// Pinned PostgreSQL versions usable as Config.Version.
// Source: https://www.postgresql.org/support/versioning/
// (Add more versions as needed and supported by embedded-postgres.)
const (
	// PostgreSQL 17
	V17_0 = embeddedpostgres.PostgresVersion("17.0.0")
	V17_1 = embeddedpostgres.PostgresVersion("17.1.0")
	V17_2 = embeddedpostgres.PostgresVersion("17.2.0")
	V17_3 = embeddedpostgres.PostgresVersion("17.3.0")
	V17_4 = embeddedpostgres.PostgresVersion("17.4.0")

	// PostgreSQL 16
	V16_0 = embeddedpostgres.PostgresVersion("16.0.0")
	V16_1 = embeddedpostgres.PostgresVersion("16.1.0")
	V16_2 = embeddedpostgres.PostgresVersion("16.2.0")
	V16_3 = embeddedpostgres.PostgresVersion("16.3.0")
	V16_4 = embeddedpostgres.PostgresVersion("16.4.0")
	V16_8 = embeddedpostgres.PostgresVersion("16.8.0")

	// PostgreSQL 15
	V15_0  = embeddedpostgres.PostgresVersion("15.0.0")
	V15_8  = embeddedpostgres.PostgresVersion("15.8.0")
	V15_12 = embeddedpostgres.PostgresVersion("15.12.0")
)
