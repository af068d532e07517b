package migration

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// revisionsTable records which revisions have been applied to a database.
const revisionsTable = "schema_revisions"

// MigrationError reports a broken revision chain or a failed migration
// step. Step failures roll back the failing step's transaction, so the
// database is left at the last successfully applied revision.
type MigrationError struct {
	Revision string // offending revision id, empty for chain-level problems
	Err      error
}

func (e *MigrationError) Error() string {
	if e.Revision == "" {
		return fmt.Sprintf("migration chain error: %v", e.Err)
	}
	return fmt.Sprintf("migration %q failed: %v", e.Revision, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Revision is one schema change in a chain. Revisions link to their
// predecessor through Down; the root revision has an empty Down.
type Revision struct {
	ID      string // opaque revision identifier, unique within the chain
	Down    string // predecessor revision id; empty marks the root
	Name    string // human-readable label, used in logs only
	UpSQL   string // statements applying the revision
	DownSQL string // statements reverting the revision (optional)
}

// Chain is an ordered set of revisions. Construct one with NewChain, which
// validates the linkage and stores the revisions in root-to-head order.
type Chain struct {
	revisions []Revision
}

// NewChain validates the given revisions and returns them as a Chain. The
// revisions may be supplied in any order; validation requires exactly one
// root (Down == ""), no duplicate ids, no cycles, and a single head so that
// every revision lies on one linear path.
func NewChain(revisions ...Revision) (*Chain, error) {
	if len(revisions) == 0 {
		return nil, &MigrationError{Err: fmt.Errorf("chain has no revisions")}
	}

	byID := make(map[string]Revision, len(revisions))
	var root *Revision
	for i := range revisions {
		rev := revisions[i]
		if rev.ID == "" {
			return nil, &MigrationError{Err: fmt.Errorf("revision with empty id")}
		}
		if _, dup := byID[rev.ID]; dup {
			return nil, &MigrationError{Revision: rev.ID, Err: fmt.Errorf("duplicate revision id")}
		}
		byID[rev.ID] = rev
		if rev.Down == "" {
			if root != nil {
				return nil, &MigrationError{Revision: rev.ID,
					Err: fmt.Errorf("second root found, %q is already the root", root.ID)}
			}
			root = &revisions[i]
		}
	}
	if root == nil {
		return nil, &MigrationError{Err: fmt.Errorf("no root revision (every revision has a down reference)")}
	}

	// Index successors; more than one child of a revision means the chain
	// forks and has no single head.
	next := make(map[string]string, len(revisions))
	for _, rev := range byID {
		if rev.Down == "" {
			continue
		}
		if _, ok := byID[rev.Down]; !ok {
			return nil, &MigrationError{Revision: rev.ID,
				Err: fmt.Errorf("down reference %q does not exist", rev.Down)}
		}
		if prev, forked := next[rev.Down]; forked {
			return nil, &MigrationError{Revision: rev.ID,
				Err: fmt.Errorf("chain forks at %q (both %q and %q follow it)", rev.Down, prev, rev.ID)}
		}
		next[rev.Down] = rev.ID
	}

	// Walk root to head. Reaching every revision proves there is a single
	// head and, together with the fork check, no cycle off the main path.
	ordered := make([]Revision, 0, len(revisions))
	for id := root.ID; id != ""; id = next[id] {
		ordered = append(ordered, byID[id])
	}
	if len(ordered) != len(revisions) {
		return nil, &MigrationError{Err: fmt.Errorf("chain is not linear: %d of %d revisions reachable from root %q",
			len(ordered), len(revisions), root.ID)}
	}

	return &Chain{revisions: ordered}, nil
}

// Revisions returns the chain's revisions in root-to-head order.
func (c *Chain) Revisions() []Revision {
	out := make([]Revision, len(c.revisions))
	copy(out, c.revisions)
	return out
}

// Head returns the id of the chain's terminal revision.
func (c *Chain) Head() string {
	return c.revisions[len(c.revisions)-1].ID
}

// ChainMigrator applies a revision chain through the Migrator interface.
// Applied revision ids are recorded in the schema_revisions table, so
// applying the same chain twice is a no-op: each pending revision runs in
// its own transaction together with its bookkeeping row, making every step
// atomic and the whole process safely re-runnable.
type ChainMigrator struct {
	chain *Chain
}

// NewChainMigrator wraps a validated chain in a Migrator.
func NewChainMigrator(chain *Chain) *ChainMigrator {
	return &ChainMigrator{chain: chain}
}

// Apply implements Migrator.
func (m *ChainMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	logger = logger.With(zap.String("migrator", "chain"))

	if err := ensureRevisionsTable(ctx, pool); err != nil {
		return &MigrationError{Err: fmt.Errorf("ensure %s table: %w", revisionsTable, err)}
	}

	applied, err := appliedRevisions(ctx, pool)
	if err != nil {
		return &MigrationError{Err: fmt.Errorf("read applied revisions: %w", err)}
	}

	pending := 0
	for _, rev := range m.chain.revisions {
		if applied[rev.ID] {
			continue
		}
		pending++
		logger.Info("Applying revision", zap.String("revision", rev.ID), zap.String("name", rev.Name))

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, rev.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (revision, name) VALUES ($1, $2)", revisionsTable),
				rev.ID, rev.Name)
			return err
		})
		if err != nil {
			logger.Error("Revision failed", zap.String("revision", rev.ID), zap.Error(err))
			return &MigrationError{Revision: rev.ID, Err: err}
		}
	}

	if pending == 0 {
		logger.Info("No pending revisions.", zap.String("head", m.chain.Head()))
	} else {
		logger.Info("Applied revisions", zap.Int("count", pending), zap.String("head", m.chain.Head()))
	}
	return nil
}

func ensureRevisionsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			revision   text PRIMARY KEY,
			name       text NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`, revisionsTable))
	return err
}

func appliedRevisions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf("SELECT revision FROM %s", revisionsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
