package embedqueue

import (
	"database/sql"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/kbforge/kbforge/pkg/ids"
)

// renderDB builds a bun handle that can render SQL without connecting;
// sql.Open does not dial.
func renderDB(t *testing.T) *bun.DB {
	t.Helper()
	sqldb, err := sql.Open("pgx", "postgres://localhost:5432/render_only")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	return bun.NewDB(sqldb, pgdialect.New())
}

// A document's queue row survives completion, so re-enqueueing after a
// document update must revive that row rather than insert a second one
// into the unique document_id index.
func TestEnqueueInsertRevivesFinishedRow(t *testing.T) {
	db := renderDB(t)
	item := &Item{ID: ids.New(), DocumentID: ids.New(), Status: StatusPending}

	q := enqueueInsert(db, item).String()

	if !strings.Contains(q, "ON CONFLICT (document_id) DO UPDATE") {
		t.Fatalf("insert must upsert on document_id, got:\n%s", q)
	}
	for _, reset := range []string{
		"status = 'pending'",
		"retry_count = 0",
		"batch_job_id = NULL",
		"started_at = NULL",
		"processed_at = NULL",
		"error_message = NULL",
	} {
		if !strings.Contains(q, reset) {
			t.Errorf("conflict update missing %q:\n%s", reset, q)
		}
	}
	if !strings.Contains(q, "RETURNING") {
		t.Errorf("insert must return the (possibly revived) row:\n%s", q)
	}
}
