package idgen

import (
	"strings"
	"testing"

	"github.com/petrelhq/petrel/internal/testutil"
)

func TestNewProducesUniqueIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := New()
		if len(id) != 36 {
			t.Fatalf("unexpected id shape: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = true
	}
}

func TestValidateCustomID(t *testing.T) {
	valid := []string{"a", "worker", "worker-1", "research-auth-2", "a1"}
	for _, id := range valid {
		if err := ValidateCustomID(id); err != nil {
			t.Fatalf("%q rejected: %v", id, err)
		}
	}
	invalid := []string{"", "Worker", "1worker", "-worker", "worker-", "wor ker", "wörker", strings.Repeat("a", 65)}
	for _, id := range invalid {
		if err := ValidateCustomID(id); err == nil {
			t.Fatalf("%q accepted", id)
		}
	}
}

func TestSubagentIDSequencesPerPrefix(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	if got := SubagentID(db, "sub"); got != "sub-1" {
		t.Fatalf("first id = %q", got)
	}
	insert := `INSERT INTO subagent_tasks (id, status, goal, created_at, updated_at)
		VALUES (?, 'completed', 'g', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`
	for _, id := range []string{"sub-1", "sub-2", "worker-7"} {
		if _, err := db.Exec(insert, id); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if got := SubagentID(db, "sub"); got != "sub-3" {
		t.Fatalf("next sub id = %q", got)
	}
	if got := SubagentID(db, "worker"); got != "worker-8" {
		t.Fatalf("next worker id = %q", got)
	}
}
