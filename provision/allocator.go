// Package provision creates and drops logical databases on a running
// PostgreSQL server and allocates names for them that are unique across
// concurrent test workers.
package provision

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Postgres truncates identifiers beyond 63 bytes; names longer than that
// would silently collide after truncation.
const maxIdentifierLen = 63

// Allocator issues database (and runtime directory) names that are unique
// within the process and, thanks to the uuid-derived process prefix, across
// concurrently running test processes sharing one server.
//
// Names look like "test_6f1c2ab34d5e_17": prefix, process identity, then a
// monotonically increasing counter. The counter replaces randomized
// suffixes so that uniqueness within a process is guaranteed rather than
// probable; the server rejecting duplicate names remains the backstop
// between processes.
type Allocator struct {
	prefix  string
	process string
	counter atomic.Uint64
}

// NewAllocator creates an Allocator whose names start with prefix.
func NewAllocator(prefix string) *Allocator {
	// 48 bits of the uuid are plenty for process identity and keep names
	// well under the identifier limit.
	id := uuid.New()
	process := strings.ToLower(fmt.Sprintf("%x", id[:6]))
	return &Allocator{prefix: sanitize(prefix), process: process}
}

// Next returns the next unique name. Safe for concurrent use.
func (a *Allocator) Next() string {
	n := a.counter.Add(1)
	name := fmt.Sprintf("%s%s_%d", a.prefix, a.process, n)
	if len(name) > maxIdentifierLen {
		name = name[:maxIdentifierLen]
	}
	return name
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "-", "_")
}
