package notify

import (
	"time"

	"github.com/netresearch/fleetcron/core"
)

const timestampLayout = "2006-01-02 15:04:05 UTC"

// snippetLimit bounds stdout/stderr excerpts in server_results.
const snippetLimit = 200

// Default message templates, used when a policy carries none.
const (
	DefaultTitleTemplate = "[{{status}}] {{job_name}} on {{server_name}}"
	DefaultBodyTemplate  = "Job {{job_name}} finished with status {{status}} " +
		"in {{duration_seconds}}s (started {{started_at}}).\n" +
		"{{#each server_results}}- {{server_name}}: {{status}} (exit {{exit_code}})\n{{/each}}"
)

// RunContext bundles everything the policy engine needs about one completed
// run: match inputs and the render context.
type RunContext struct {
	Run      *core.JobRun
	Template *core.JobTemplate
	Server   *core.Server
	JobType  string
	Tags     []string
	Severity int

	TemplateContext *TemplateContext
}

// BuildRunContext assembles the template context per the documented shape.
// For composite runs every step contributes a server_results entry; simple
// runs get a single synthetic entry derived from the run itself.
func BuildRunContext(
	run *core.JobRun,
	tmpl *core.JobTemplate,
	srv *core.Server,
	jobType, scheduleName string,
	tags []string,
	steps []core.StepExecutionResult,
) *RunContext {
	results := serverResults(run, srv, steps)

	successes, failures := 0, 0
	for _, r := range results {
		if r.Status == core.StatusSuccess {
			successes++
		} else if r.Status != core.StatusSkipped {
			failures++
		}
	}

	finished := "In progress"
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC().Format(timestampLayout)
	}

	serverName := ""
	if len(results) > 0 {
		serverName = results[0].ServerName
	}

	metrics := run.Metadata
	if metrics == nil {
		metrics = map[string]any{}
	}

	return &RunContext{
		Run:      run,
		Template: tmpl,
		Server:   srv,
		JobType:  jobType,
		Tags:     tags,
		Severity: core.SeverityForStatus(run.Status),
		TemplateContext: &TemplateContext{
			Scalars: map[string]any{
				"job_name":         tmpl.Name,
				"job_type":         jobType,
				"schedule_name":    scheduleName,
				"server_name":      serverName,
				"status":           run.Status,
				"severity":         core.SeverityForStatus(run.Status),
				"total_servers":    1,
				"success_count":    successes,
				"failure_count":    failures,
				"started_at":       run.StartedAt.UTC().Format(timestampLayout),
				"finished_at":      finished,
				"duration_seconds": float64(run.DurationMs) / 1000,
			},
			Metrics:       metrics,
			ServerResults: results,
		},
	}
}

func serverResults(run *core.JobRun, srv *core.Server, steps []core.StepExecutionResult) []ServerResult {
	if len(steps) == 0 {
		exit := 0
		if run.ExitCode != nil {
			exit = *run.ExitCode
		}
		return []ServerResult{{
			ServerName:    srv.Name,
			Status:        run.Status,
			ExitCode:      exit,
			StdoutSnippet: clip(run.Output),
			StderrSnippet: clip(run.Error),
		}}
	}

	results := make([]ServerResult, 0, len(steps))
	for _, step := range steps {
		exit := 0
		if step.ExitCode != nil {
			exit = *step.ExitCode
		}
		results = append(results, ServerResult{
			ServerName:    srv.Name,
			Status:        step.Status,
			ExitCode:      exit,
			StdoutSnippet: clip(step.Output),
			StderrSnippet: clip(step.Error),
		})
	}
	return results
}

func clip(s string) string {
	if len(s) <= snippetLimit {
		return s
	}
	return s[:snippetLimit]
}

// RenderMessage produces the title and body for a policy, falling back to
// the documented defaults when the policy has no templates.
func RenderMessage(p *core.NotificationPolicy, rc *RunContext) (string, string) {
	title := p.TitleTemplate
	if title == "" {
		title = DefaultTitleTemplate
	}
	body := p.BodyTemplate
	if body == "" {
		body = DefaultBodyTemplate
	}
	return Render(title, rc.TemplateContext), Render(body, rc.TemplateContext)
}

// Timestamp formats an instant the way templates expect.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
