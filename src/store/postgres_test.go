package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
)

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL("task", []string{"name", "entity_id"}, []string{"name", "entity_id", "status"})
	want := "INSERT INTO task (name, entity_id, status) VALUES (:name, :entity_id, :status) " +
		"ON CONFLICT (name, entity_id) DO UPDATE SET status = EXCLUDED.status"
	if got != want {
		t.Errorf("upsertSQL() =\n%s\nwant\n%s", got, want)
	}
}

func TestFinishTaskSQL(t *testing.T) {
	if !strings.HasPrefix(finishTaskSQL, upsertTaskSQL) {
		t.Fatal("finishTaskSQL must extend the task upsert")
	}
	if !strings.HasSuffix(finishTaskSQL, " WHERE task.status <> 'finished'") {
		t.Errorf("finishTaskSQL must not overwrite a finished task, got\n%s", finishTaskSQL)
	}
}

func TestForUpdate(t *testing.T) {
	const query = "SELECT * FROM build WHERE id = $1"
	tests := []struct {
		name string
		inTx bool
		want string
	}{
		{"outside transaction", false, query},
		{"inside transaction", true, query + " FOR UPDATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &pgQuerier{inTx: tt.inTx}
			if got := q.forUpdate(query); got != tt.want {
				t.Errorf("forUpdate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"unique violation", &pq.Error{Code: uniqueViolation, Constraint: "remote_identifier"}, ErrDuplicate},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: uniqueViolation}), ErrDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Errorf("translate() = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("translate() = %v, want %v", got, tt.want)
			}
		})
	}

	other := errors.New("connection refused")
	if translate(other) != other {
		t.Error("unrelated errors should pass through unchanged")
	}
}

func TestSchemaDeclaresRemoteEntityUniqueness(t *testing.T) {
	if !strings.Contains(schemaSQL, "UNIQUE (provider, kind, remote_id)") {
		t.Error("schema must enforce one mapping per (provider, kind, remote_id)")
	}
}
