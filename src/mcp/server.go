package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"changes-agent/src/logger"
	"changes-agent/src/model"
	"changes-agent/src/originfinder"
	"changes-agent/src/store"
)

// DefaultListLimit is the list_builds page size when no limit is given.
const DefaultListLimit = 20

// Server is the MCP server for changes.
type Server struct {
	mcpServer *server.MCPServer
	store     store.Store
	finder    *originfinder.Finder
	cache     ReportCache
	log       logger.Logger
}

// NewServer creates an MCP server reading from s. historyLimit bounds the
// failure origin search.
func NewServer(s store.Store, historyLimit int, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	ms := server.NewMCPServer(
		"changes",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	srv := &Server{
		mcpServer: ms,
		store:     s,
		finder:    originfinder.New(s, historyLimit),
		cache:     NewInMemoryCache(DefaultCacheSize),
		log:       log,
	}
	srv.registerTools()

	return srv
}

func (s *Server) registerTools() {
	listTool := mcp.NewTool("list_builds",
		mcp.WithDescription("List the most recent builds of a project, newest first, with their status and result."),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project slug"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max builds to return (default: 20)"),
		),
	)

	buildTool := mcp.NewTool("get_build",
		mcp.WithDescription("Get a build with every job it ran, each job's provider, result and phases. Use the job ids with failure_origins."),
		mcp.WithString("build_id",
			mcp.Required(),
			mcp.Description("Build ID from list_builds"),
		),
	)

	originsTool := mcp.NewTool("failure_origins",
		mcp.WithDescription("List the failing tests of a job split into failures the job introduced and failures inherited from an earlier job, with the originating job and shortened failure messages."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID from get_build"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max new failures to return (default: 25)"),
		),
	)

	s.mcpServer.AddTool(listTool, s.handleListBuilds)
	s.mcpServer.AddTool(buildTool, s.handleGetBuild)
	s.mcpServer.AddTool(originsTool, s.handleFailureOrigins)
}

// Run serves MCP on stdio until the client disconnects.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) handleListBuilds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := request.GetString("project", "")
	if slug == "" {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	limit := request.GetInt("limit", DefaultListLimit)

	project, err := s.store.GetProjectBySlug(ctx, slug)
	if err != nil {
		return lookupError("project", slug, err), nil
	}

	builds, err := s.store.ListBuilds(ctx, store.BuildFilter{ProjectID: project.ID, Limit: limit})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list builds: %v", err)), nil
	}

	out := make([]BuildSummary, 0, len(builds))
	for _, b := range builds {
		out = append(out, summarize(b))
	}
	return jsonResult(out)
}

func (s *Server) handleGetBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	buildID := request.GetString("build_id", "")
	if buildID == "" {
		return mcp.NewToolResultError("build_id parameter is required"), nil
	}

	build, err := s.store.GetBuild(ctx, buildID)
	if err != nil {
		return lookupError("build", buildID, err), nil
	}
	detail := BuildDetail{BuildSummary: summarize(build), Jobs: []JobDetail{}}
	if project, err := s.store.GetProject(ctx, build.ProjectID); err == nil {
		detail.Project = project.Slug
	}

	jobs, err := s.store.ListJobsByBuild(ctx, build.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list jobs: %v", err)), nil
	}
	for _, j := range jobs {
		jd := JobDetail{
			ID:       j.ID,
			Label:    j.Label,
			Provider: j.Provider,
			Status:   string(j.Status),
			Result:   string(j.Result),
			Duration: j.Duration,
			URL:      j.Data["url"],
		}
		phases, err := s.store.ListJobPhases(ctx, j.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list phases: %v", err)), nil
		}
		for _, p := range phases {
			jd.Phases = append(jd.Phases, PhaseDetail{Label: p.Label, Status: string(p.Status), Result: string(p.Result)})
		}
		detail.Jobs = append(detail.Jobs, jd)
	}
	return jsonResult(detail)
}

func (s *Server) handleFailureOrigins(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	limit := request.GetInt("limit", DefaultNewLimit)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return lookupError("job", jobID, err), nil
	}

	cacheable := job.IsFinished() && limit == DefaultNewLimit
	if cacheable {
		if report, ok := s.cache.Get(job.ID); ok {
			return jsonResult(report)
		}
	}

	report, err := s.failureReport(ctx, job, limit)
	if err != nil {
		s.log.Error("[MCP] failure_origins for job %s: %v", job.ID, err)
		return mcp.NewToolResultError(fmt.Sprintf("failure origin search failed: %v", err)), nil
	}
	if cacheable {
		s.cache.Put(job.ID, report)
	}
	return jsonResult(report)
}

func (s *Server) failureReport(ctx context.Context, job *model.Job, limit int) (FailureReport, error) {
	failing, err := originfinder.FailingGroups(ctx, s.store, job.ID)
	if err != nil {
		return FailureReport{}, err
	}
	origins, err := s.finder.FindFailureOrigins(ctx, job, failing)
	if err != nil {
		return FailureReport{}, err
	}

	cases, err := s.store.ListTestCases(ctx, job.ID)
	if err != nil {
		return FailureReport{}, err
	}
	byGroup := make(map[string][]*model.TestCase)
	for _, tc := range cases {
		byGroup[tc.GroupID] = append(byGroup[tc.GroupID], tc)
	}

	return TierFailures(job, failing, origins, byGroup, limit), nil
}

func summarize(b *model.Build) BuildSummary {
	return BuildSummary{
		ID:          b.ID,
		Label:       b.Label,
		RevisionSHA: b.RevisionSHA,
		Status:      string(b.Status),
		Result:      string(b.Result),
		Duration:    b.Duration,
		Created:     b.DateCreated.UTC().Format(time.RFC3339),
	}
}

func lookupError(kind, id string, err error) *mcp.CallToolResult {
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s not found: %s", kind, id))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to load %s %s: %v", kind, id, err))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
