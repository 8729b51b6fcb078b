package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gosimple/slug"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"changes-agent/src/model"
	"changes-agent/src/remote"
	"changes-agent/src/store"
)

// projectFile is the document read by projects import.
//
//	projects:
//	  - name: Server
//	    repository: https://github.com/acme/server.git
//	    provider: buildkite
//	    remotes:
//	      buildkite: {id: acme/server, data: {branch: main}}
//	      phabricator: {id: SERVER}
type projectFile struct {
	Projects []projectSpec `yaml:"projects"`
}

type projectSpec struct {
	Name       string                `yaml:"name"`
	Slug       string                `yaml:"slug"`
	Repository string                `yaml:"repository"`
	Provider   string                `yaml:"provider"`
	Remotes    map[string]remoteSpec `yaml:"remotes"`
}

type remoteSpec struct {
	ID   string     `yaml:"id"`
	Data model.Data `yaml:"data"`
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		projects, err := a.store.ListProjects(ctx)
		if err != nil {
			return err
		}
		for _, p := range projects {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s %s\n", p.Slug, p.Provider, p.Name)
		}
		return nil
	},
}

var projectsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Create or update projects and their provider mappings from YAML",
	Long: `Reads a projects document and makes sure each project, its repository and
its provider mappings exist. Importing the same file again changes
nothing; pointing an existing mapping elsewhere is an error.

Example:
  changes projects import projects.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		a, err := newApp(ctx, appConfig, log)
		if err != nil {
			return err
		}
		defer a.close()

		projects, err := importProjects(ctx, a.store, a.engine.Remotes(), f)
		if err != nil {
			return err
		}
		for _, p := range projects {
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s (%s)\n", p.Slug, p.ID)
		}
		return nil
	},
}

// importProjects applies a projects document. Each project is written in
// its own transaction.
func importProjects(ctx context.Context, s store.Store, remotes *remote.Map, r io.Reader) ([]*model.Project, error) {
	var doc projectFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse projects: %w", err)
	}

	out := make([]*model.Project, 0, len(doc.Projects))
	for i, spec := range doc.Projects {
		if spec.Name == "" {
			return out, fmt.Errorf("project %d: name is required", i)
		}
		if spec.Slug == "" {
			spec.Slug = slug.Make(spec.Name)
		}
		if !slug.IsSlug(spec.Slug) {
			return out, fmt.Errorf("project %s: invalid slug %q", spec.Name, spec.Slug)
		}

		var project *model.Project
		err := s.InTx(ctx, func(q store.Querier) error {
			var err error
			project, err = upsertProject(ctx, q, spec)
			if err != nil {
				return err
			}
			for name, rs := range spec.Remotes {
				if _, err := remotes.Bind(ctx, q, model.KindProject, project.ID, rs.ID, name, rs.Data); err != nil {
					return fmt.Errorf("%s mapping: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("project %s: %w", spec.Slug, err)
		}
		out = append(out, project)
	}
	return out, nil
}

func upsertProject(ctx context.Context, q store.Querier, spec projectSpec) (*model.Project, error) {
	now := time.Now().UTC()
	project, err := q.GetProjectBySlug(ctx, spec.Slug)
	switch {
	case errors.Is(err, store.ErrNotFound):
		project = &model.Project{ID: model.NewID(), Slug: spec.Slug, DateCreated: now}
	case err != nil:
		return nil, err
	}

	if spec.Repository != "" {
		repo := &model.Repository{ID: project.RepositoryID, URL: spec.Repository, DateCreated: now}
		if repo.ID == "" {
			repo.ID = model.NewID()
		} else if existing, err := q.GetRepository(ctx, repo.ID); err == nil {
			repo.DateCreated = existing.DateCreated
		}
		if err := q.SaveRepository(ctx, repo); err != nil {
			return nil, err
		}
		project.RepositoryID = repo.ID
	}

	project.Name = spec.Name
	if spec.Provider != "" {
		project.Provider = spec.Provider
	}
	if err := q.SaveProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

func init() {
	projectsCmd.AddCommand(projectsListCmd, projectsImportCmd)
}
