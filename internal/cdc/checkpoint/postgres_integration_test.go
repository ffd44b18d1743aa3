//go:build integration

package checkpoint

import (
	"context"
	"testing"

	"github.com/janovincze/shapesync/internal/cdc"
	"github.com/janovincze/shapesync/internal/testutil"
)

func TestPostgresManager_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	m, err := NewPostgresManager(ctx, PostgresConfig{DSN: testutil.SetupPostgres(t)}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	got, err := m.Load(ctx, "postgres")
	if err != nil || got != nil {
		t.Fatalf("expected no checkpoint, got %+v, %v", got, err)
	}

	for _, lsn := range []string{"0/1", "0/2"} {
		if err := m.Save(ctx, cdc.Checkpoint{SourceID: "postgres", LSN: lsn, Metadata: map[string]any{"events": 3}}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err = m.Load(ctx, "postgres")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.LSN != "0/2" || got.Metadata["events"] == nil {
		t.Errorf("expected latest checkpoint, got %+v", got)
	}

	if err := m.Delete(ctx, "postgres"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := m.Load(ctx, "postgres"); got != nil {
		t.Errorf("expected checkpoint to be deleted, got %+v", got)
	}
}
