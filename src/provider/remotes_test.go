package provider

import (
	"context"
	"testing"

	"changes-agent/src/model"
	"changes-agent/src/remote"
	"changes-agent/src/store"
)

func TestProjectRemote(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := remote.NewMap()
	project := &model.Project{ID: "proj-1", Slug: "server"}

	if _, err := ProjectRemote(ctx, s, m, "jenkins", project); !IsUnrecoverable(err) {
		t.Fatalf("missing mapping error = %v, want unrecoverable", err)
	}

	if _, err := m.Bind(ctx, s, model.KindProject, "proj-1", "server-ci", "jenkins", nil); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	e, err := ProjectRemote(ctx, s, m, "jenkins", project)
	if err != nil {
		t.Fatalf("ProjectRemote failed: %v", err)
	}
	if e.RemoteID != "server-ci" {
		t.Errorf("RemoteID = %q, want server-ci", e.RemoteID)
	}
}

func TestJobRemote_Missing(t *testing.T) {
	_, err := JobRemote(context.Background(), store.NewMemoryStore(), remote.NewMap(), "jenkins", &model.Job{ID: "job-1"})
	if !IsUnrecoverable(err) {
		t.Errorf("error = %v, want unrecoverable", err)
	}
}
