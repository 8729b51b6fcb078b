package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"changes-agent/src/model"
	"changes-agent/src/remote"
	"changes-agent/src/store"
)

const projectsYAML = `
projects:
  - name: Payments Server
    repository: https://github.com/acme/payments.git
    provider: buildkite
    remotes:
      buildkite:
        id: acme/payments
        data:
          branch: main
      phabricator:
        id: PAYMENTS
  - name: Docs
    slug: docs-site
    provider: github
`

func TestImportProjects(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	remotes := remote.NewMap()

	projects, err := importProjects(ctx, s, remotes, strings.NewReader(projectsYAML))
	if err != nil {
		t.Fatalf("importProjects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("imported %d projects, want 2", len(projects))
	}

	payments, err := s.GetProjectBySlug(ctx, "payments-server")
	if err != nil {
		t.Fatalf("GetProjectBySlug: %v", err)
	}
	if payments.Provider != "buildkite" || payments.RepositoryID == "" {
		t.Errorf("payments = %+v", payments)
	}
	repo, err := s.GetRepository(ctx, payments.RepositoryID)
	if err != nil || repo.URL != "https://github.com/acme/payments.git" {
		t.Errorf("repository = %+v, %v", repo, err)
	}

	bk, err := remotes.FindByInternal(ctx, s, model.KindProject, payments.ID, "buildkite")
	if err != nil {
		t.Fatalf("buildkite mapping: %v", err)
	}
	if bk.RemoteID != "acme/payments" || bk.Data["branch"] != "main" {
		t.Errorf("buildkite mapping = %+v", bk)
	}
	if _, err := remotes.FindByInternal(ctx, s, model.KindProject, payments.ID, "phabricator"); err != nil {
		t.Errorf("phabricator mapping: %v", err)
	}

	if _, err := s.GetProjectBySlug(ctx, "docs-site"); err != nil {
		t.Errorf("explicit slug not kept: %v", err)
	}
}

func TestImportProjects_Reimport(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	remotes := remote.NewMap()

	first, err := importProjects(ctx, s, remotes, strings.NewReader(projectsYAML))
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	second, err := importProjects(ctx, s, remotes, strings.NewReader(projectsYAML))
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].RepositoryID != second[i].RepositoryID {
			t.Errorf("reimport changed %s: %+v -> %+v", first[i].Slug, first[i], second[i])
		}
	}

	moved := strings.Replace(projectsYAML, "id: acme/payments", "id: acme/elsewhere", 1)
	_, err = importProjects(ctx, s, remotes, strings.NewReader(moved))
	if !errors.Is(err, remote.ErrIntegrity) {
		t.Errorf("repointing a mapping: err = %v, want ErrIntegrity", err)
	}
}

func TestImportProjects_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"not yaml", "projects: [", "failed to parse projects"},
		{"missing name", "projects:\n  - provider: buildkite\n", "name is required"},
		{"bad slug", "projects:\n  - name: X\n    slug: Not A Slug\n", "invalid slug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := importProjects(context.Background(), store.NewMemoryStore(), remote.NewMap(), strings.NewReader(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
