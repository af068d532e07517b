package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rev(id, down string) Revision {
	return Revision{ID: id, Down: down, Name: id, UpSQL: "SELECT 1"}
}

func TestNewChain_OrdersRootToHead(t *testing.T) {
	// Supplied out of order on purpose.
	chain, err := NewChain(rev("b", "a"), rev("c", "b"), rev("a", ""))
	require.NoError(t, err)

	got := chain.Revisions()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
	assert.Equal(t, "c", chain.Head())
}

func TestNewChain_SingleRevision(t *testing.T) {
	chain, err := NewChain(rev("only", ""))
	require.NoError(t, err)
	assert.Equal(t, "only", chain.Head())
}

func TestNewChain_RejectsEmpty(t *testing.T) {
	_, err := NewChain()
	var mErr *MigrationError
	require.ErrorAs(t, err, &mErr)
}

func TestNewChain_RejectsMissingRoot(t *testing.T) {
	_, err := NewChain(rev("a", "z"), rev("b", "a"))
	var mErr *MigrationError
	require.ErrorAs(t, err, &mErr)
}

func TestNewChain_RejectsTwoRoots(t *testing.T) {
	_, err := NewChain(rev("a", ""), rev("b", ""))
	var mErr *MigrationError
	require.ErrorAs(t, err, &mErr)
	assert.Contains(t, err.Error(), "root")
}

func TestNewChain_RejectsDuplicateID(t *testing.T) {
	_, err := NewChain(rev("a", ""), rev("a", ""))
	var mErr *MigrationError
	require.ErrorAs(t, err, &mErr)
}

func TestNewChain_RejectsFork(t *testing.T) {
	// Two revisions claiming "a" as predecessor means two heads.
	_, err := NewChain(rev("a", ""), rev("b", "a"), rev("c", "a"))
	var mErr *MigrationError
	require.ErrorAs(t, err, &mErr)
	assert.Contains(t, err.Error(), "forks")
}

func TestNewChain_RejectsCycle(t *testing.T) {
	// a is the root; b and c reference each other off the main path.
	_, err := NewChain(rev("a", ""), rev("b", "c"), rev("c", "b"))
	var mErr *MigrationError
	require.ErrorAs(t, err, &mErr)
}

func TestNewChain_RejectsDanglingDown(t *testing.T) {
	_, err := NewChain(rev("a", ""), rev("b", "missing"))
	var mErr *MigrationError
	require.ErrorAs(t, err, &mErr)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestMigrationError_Messages(t *testing.T) {
	_, err := NewChain()
	assert.Contains(t, err.Error(), "migration chain error")

	_, err = NewChain(rev("a", ""), rev("a", ""))
	assert.Contains(t, err.Error(), `"a"`)
}
