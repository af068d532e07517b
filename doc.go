/*
// Package tempgres provides ephemeral PostgreSQL instances and databases for
// Go integration tests and local tooling.
//
// Use NewKit to create instances. The returned value satisfies the Kit
// interface, which defines the primary user-facing methods.

// It manages the full lifecycle of a throwaway database so tests never touch
// a shared development server:
//
//   - Starting an embedded PostgreSQL server, or attaching to a shared one.
//   - Provisioning a unique, isolated database per kit (single mode), or
//     connecting directly to a configured database (normal mode).
//   - Applying schema migrations (Atlas, linear revision chains, or custom
//     migrators).
//   - Providing standard `*sql.DB` and `*pgxpool.Pool` connection pools.
//   - Offering helper functions (`RunTx`, `RunSQLTx`) for transactional testing.
//   - Dumping/loading database state via pg_dump and psql.
//   - Handling automatic resource cleanup when used with `*testing.T`.

Example Usage (within a test function):

	func TestMyFeature(t *testing.T) {
		ctx := context.Background()
		// Configure the kit (e.g., migration source)
		opts := []config.Option{
			// ... your options, e.g., atlas.WithAtlas()
		}
		kit, err := tempgres.NewKit(ctx, t, config.DefaultConfig(), opts...) // Pass t for auto-cleanup
		if err != nil {
			t.Fatalf("Failed to initialize kit: %v", err)
		}
		// kit.Cleanup() is automatically called via t.Cleanup()

		// Use the transaction runner
		kit.RunTx(ctx, t, func(ctx context.Context, tx pgx.Tx) error {
			// Your test logic using the transaction 'tx'
			// ... query, insert, update ...
			// No need to commit; rollback is automatic
			return nil // Return error if something goes wrong
		})

		// Or access the connection pool directly
		// rows, err := kit.Pool().Query(ctx, "SELECT ...")
		// ...
	}

The tempgresd daemon (cmd/tempgres) exposes the same lifecycle over a TCP
proxy for non-Go clients.
*/
package tempgres
