package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"changes-agent/src/model"
	"changes-agent/src/store"
)

// DefaultSuite names the suite of results that do not report one.
const DefaultSuite = "default"

// IngestStats counts what IngestTests did.
type IngestStats struct {
	Inserted   int
	Duplicates int
	Failed     int
}

var errDuplicateCase = errors.New("duplicate test case")

// IngestTests appends test results to job. Each result is committed on its
// own, so a batch can be replayed after a partial failure: cases already
// stored are skipped without touching any counter.
func (a *Aggregator) IngestTests(ctx context.Context, job *model.Job, results []model.TestResult) (IngestStats, error) {
	var stats IngestStats
	for _, r := range results {
		tc, err := a.ingestOne(ctx, job, r)
		if errors.Is(err, errDuplicateCase) {
			stats.Duplicates++
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("failed to ingest %s for job %s: %w", r.FullName(), job.ID, err)
		}
		stats.Inserted++
		if tc.Result.IsFailure() {
			stats.Failed++
		}
		a.pub.PublishTest(ctx, tc)
	}

	if stats.Inserted > 0 || stats.Duplicates > 0 {
		a.log.Debug("[IngestTests] job %s: %d inserted, %d duplicates, %d failed",
			job.ID, stats.Inserted, stats.Duplicates, stats.Failed)
	}
	return stats, nil
}

func (a *Aggregator) ingestOne(ctx context.Context, job *model.Job, r model.TestResult) (*model.TestCase, error) {
	var tc *model.TestCase
	err := a.store.InTx(ctx, func(q store.Querier) error {
		now := a.now()

		suite, err := a.ensureSuite(ctx, q, job, r.Suite)
		if err != nil {
			return err
		}
		chain, err := a.ensureGroups(ctx, q, job, suite, groupPath(r))
		if err != nil {
			return err
		}

		result := r.Result
		if result == "" {
			result = model.ResultUnknown
		}
		tc = &model.TestCase{
			ID:          model.NewID(),
			JobID:       job.ID,
			SuiteID:     suite.ID,
			GroupID:     chain[len(chain)-1].ID,
			ProjectID:   job.ProjectID,
			NameSha:     model.NameSha(r.FullName()),
			Package:     r.Package,
			Name:        r.Name,
			Result:      result,
			Duration:    r.Duration,
			Message:     r.Message,
			DateCreated: now,
		}
		if err := q.InsertTestCase(ctx, tc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return errDuplicateCase
			}
			return err
		}

		var parentAgg string
		for _, g := range chain {
			wasFailing := g.NumFailed > 0
			fold(g, tc)
			if err := q.SaveTestGroup(ctx, g); err != nil {
				return err
			}
			agg, err := a.foldAggregate(ctx, q, job, g, parentAgg, tc, !wasFailing && g.NumFailed > 0)
			if err != nil {
				return err
			}
			parentAgg = agg.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// fold adds one test case to a group's running totals.
func fold(g *model.TestGroup, tc *model.TestCase) {
	g.NumTests++
	if tc.Result.IsFailure() {
		g.NumFailed++
	}
	g.Duration += tc.Duration
	if g.NumTests == 1 {
		g.Result = tc.Result
	} else {
		g.Result = model.WorstResult(g.Result, tc.Result)
	}
}

func (a *Aggregator) ensureSuite(ctx context.Context, q store.Querier, job *model.Job, name string) (*model.TestSuite, error) {
	if name == "" {
		name = DefaultSuite
	}
	sha := model.NameSha(name)
	suite, err := q.GetTestSuite(ctx, job.ID, sha)
	if err == nil {
		return suite, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	suite = &model.TestSuite{
		ID:          model.NewID(),
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		NameSha:     sha,
		Name:        name,
		DateCreated: a.now(),
	}
	if err := q.SaveTestSuite(ctx, suite); err != nil {
		return nil, err
	}
	return suite, nil
}

// ensureGroups returns the group for every prefix of path, root first,
// creating the missing ones.
func (a *Aggregator) ensureGroups(ctx context.Context, q store.Querier, job *model.Job, suite *model.TestSuite, path []string) ([]*model.TestGroup, error) {
	chain := make([]*model.TestGroup, 0, len(path))
	var parent *model.TestGroup
	for _, name := range path {
		sha := model.NameSha(name)
		g, err := q.GetTestGroup(ctx, job.ID, suite.ID, sha)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			g = &model.TestGroup{
				ID:          model.NewID(),
				JobID:       job.ID,
				SuiteID:     suite.ID,
				ProjectID:   job.ProjectID,
				NameSha:     sha,
				Name:        name,
				Result:      model.ResultUnknown,
				DateCreated: a.now(),
			}
			if parent != nil {
				g.ParentID = parent.ID
				parent.NumLeaves++
				if err := q.SaveTestGroup(ctx, parent); err != nil {
					return nil, err
				}
			}
			if err := q.SaveTestGroup(ctx, g); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
		chain = append(chain, g)
		parent = g
	}
	return chain, nil
}

// foldAggregate records g's contribution to the project-wide aggregate of
// the same name.
func (a *Aggregator) foldAggregate(ctx context.Context, q store.Querier, job *model.Job, g *model.TestGroup, parentID string, tc *model.TestCase, newlyFailing bool) (*model.AggregateTestGroup, error) {
	agg, err := q.GetAggregateTestGroup(ctx, job.ProjectID, g.NameSha)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		agg = &model.AggregateTestGroup{
			ID:          model.NewID(),
			ProjectID:   job.ProjectID,
			ParentID:    parentID,
			NameSha:     g.NameSha,
			Name:        g.Name,
			FirstJobID:  job.ID,
			DateCreated: a.now(),
		}
	default:
		return nil, err
	}

	if agg.LastJobID != job.ID {
		agg.LastJobID = job.ID
		agg.NumRuns++
	}
	if newlyFailing {
		agg.NumFailed++
	}
	agg.TotalDuration += tc.Duration
	agg.LastResult = g.Result

	if err := q.SaveAggregateTestGroup(ctx, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// groupPath is the chain of dotted prefixes a result is grouped under:
// its package, or the name without its last segment. A bare name forms a
// group of its own.
func groupPath(r model.TestResult) []string {
	pkg := r.Package
	if pkg == "" {
		if i := strings.LastIndex(r.Name, "."); i > 0 {
			pkg = r.Name[:i]
		} else {
			return []string{r.Name}
		}
	}

	parts := strings.Split(pkg, ".")
	path := make([]string, 0, len(parts))
	for i := range parts {
		path = append(path, strings.Join(parts[:i+1], "."))
	}
	return path
}
