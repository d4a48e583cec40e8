package cli

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/gobs/args"
	yaml "gopkg.in/yaml.v3"

	"github.com/netresearch/fleetcron/core"
)

// Seed is the declarative fleet description consumed by `fleetcron import`.
// Entities reference each other by name; the importer resolves names to ids
// in dependency order.
type Seed struct {
	JobTypes         []SeedJobType         `yaml:"job_types"`
	CommandTemplates []SeedCommandTemplate `yaml:"command_templates"`
	Servers          []SeedServer          `yaml:"servers"`
	JobTemplates     []SeedJobTemplate     `yaml:"job_templates"`
	Channels         []SeedChannel         `yaml:"channels"`
	Policies         []SeedPolicy          `yaml:"policies"`
	Schedules        []SeedSchedule        `yaml:"schedules"`
}

type SeedJobType struct {
	Name                 string   `yaml:"name"`
	Description          string   `yaml:"description"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
}

type SeedCommandTemplate struct {
	Name                 string           `yaml:"name"`
	JobType              string           `yaml:"job_type"`
	Command              string           `yaml:"command"`
	RequiredCapabilities []string         `yaml:"required_capabilities"`
	OSFilter             []string         `yaml:"os_filter"`
	TimeoutSeconds       int              `yaml:"timeout_seconds"`
	Parameters           []core.Parameter `yaml:"parameters"`
}

type SeedServer struct {
	Name       string   `yaml:"name"`
	IsLocal    bool     `yaml:"is_local"`
	Hostname   string   `yaml:"hostname"`
	Port       int      `yaml:"port"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
	Enabled    *bool    `yaml:"enabled"`
	Tags       []string `yaml:"tags"`
}

type SeedStep struct {
	CommandTemplate   string            `yaml:"command_template"`
	Variables         map[string]string `yaml:"variables"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	ContinueOnFailure bool              `yaml:"continue_on_failure"`
}

type SeedJobTemplate struct {
	Name               string            `yaml:"name"`
	JobType            string            `yaml:"job_type"`
	CommandTemplate    string            `yaml:"command_template"`
	Steps              []SeedStep        `yaml:"steps"`
	Variables          map[string]string `yaml:"variables"`
	TimeoutSeconds     int               `yaml:"timeout_seconds"`
	RetryCount         int               `yaml:"retry_count"`
	RetryDelaySeconds  int               `yaml:"retry_delay_seconds"`
	NotifyOnSuccess    bool              `yaml:"notify_on_success"`
	NotifyOnFailure    *bool             `yaml:"notify_on_failure"`
	NotificationPolicy string            `yaml:"notification_policy"`
}

type SeedChannel struct {
	Name            string         `yaml:"name"`
	Type            string         `yaml:"type"`
	Config          map[string]any `yaml:"config"`
	Enabled         *bool          `yaml:"enabled"`
	DefaultPriority int            `yaml:"default_priority"`
}

type SeedPolicyChannel struct {
	Name             string `yaml:"name"`
	PriorityOverride int    `yaml:"priority_override"`
}

type SeedPolicy struct {
	Name          string              `yaml:"name"`
	Enabled       *bool               `yaml:"enabled"`
	OnSuccess     bool                `yaml:"on_success"`
	OnFailure     bool                `yaml:"on_failure"`
	OnTimeout     bool                `yaml:"on_timeout"`
	JobTypeFilter []string            `yaml:"job_type_filter"`
	ServerFilter  []string            `yaml:"server_filter"`
	TagFilter     []string            `yaml:"tag_filter"`
	MinSeverity   int                 `yaml:"min_severity"`
	MaxPerHour    int                 `yaml:"max_per_hour"`
	TitleTemplate string              `yaml:"title_template"`
	BodyTemplate  string              `yaml:"body_template"`
	Channels      []SeedPolicyChannel `yaml:"channels"`
}

type SeedSchedule struct {
	JobTemplate string `yaml:"job_template"`
	Server      string `yaml:"server"`
	Cron        string `yaml:"cron"`
	Enabled     *bool  `yaml:"enabled"`
}

func enabledOrDefault(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &seed, nil
}

var knownChannelTypes = []string{
	core.ChannelGotify, core.ChannelNtfy, core.ChannelEmail,
	core.ChannelSlack, core.ChannelDiscord, core.ChannelWebhook,
}

// Lint checks a seed for problems that would surface at dispatch time:
// unparseable cron expressions, empty or unparseable commands, unknown
// channel types and dangling name references.
func (s *Seed) Lint() []string {
	var problems []string

	jobTypes := map[string]bool{}
	for _, jt := range s.JobTypes {
		jobTypes[jt.Name] = true
	}
	commands := map[string]bool{}
	for _, ct := range s.CommandTemplates {
		commands[ct.Name] = true
		if !jobTypes[ct.JobType] {
			problems = append(problems, fmt.Sprintf("command template %q: unknown job type %q", ct.Name, ct.JobType))
		}
		if ct.Command == "" {
			problems = append(problems, fmt.Sprintf("command template %q: empty command", ct.Name))
			continue
		}
		if len(args.GetArgs(ct.Command)) == 0 {
			problems = append(problems, fmt.Sprintf("command template %q: command does not tokenize", ct.Name))
		}
		if err := core.ValidateParameterSchema(ct.Parameters); err != nil {
			problems = append(problems, fmt.Sprintf("command template %q: %v", ct.Name, err))
		}
	}

	servers := map[string]bool{}
	for _, srv := range s.Servers {
		servers[srv.Name] = true
		if !srv.IsLocal && srv.Hostname == "" {
			problems = append(problems, fmt.Sprintf("server %q: remote server without hostname", srv.Name))
		}
	}

	policies := map[string]bool{}
	channels := map[string]bool{}
	for _, ch := range s.Channels {
		channels[ch.Name] = true
		if !slices.Contains(knownChannelTypes, ch.Type) {
			problems = append(problems, fmt.Sprintf("channel %q: unknown type %q", ch.Name, ch.Type))
		}
	}
	for _, p := range s.Policies {
		policies[p.Name] = true
		for _, link := range p.Channels {
			if !channels[link.Name] {
				problems = append(problems, fmt.Sprintf("policy %q: unknown channel %q", p.Name, link.Name))
			}
		}
	}

	templates := map[string]bool{}
	for _, t := range s.JobTemplates {
		templates[t.Name] = true
		if !jobTypes[t.JobType] {
			problems = append(problems, fmt.Sprintf("job template %q: unknown job type %q", t.Name, t.JobType))
		}
		switch {
		case len(t.Steps) > 0:
			if t.CommandTemplate != "" {
				problems = append(problems, fmt.Sprintf("job template %q: both command_template and steps set", t.Name))
			}
			for i, step := range t.Steps {
				if !commands[step.CommandTemplate] {
					problems = append(problems, fmt.Sprintf("job template %q step %d: unknown command template %q",
						t.Name, i+1, step.CommandTemplate))
				}
			}
		case t.CommandTemplate != "":
			if !commands[t.CommandTemplate] {
				problems = append(problems, fmt.Sprintf("job template %q: unknown command template %q",
					t.Name, t.CommandTemplate))
			}
		default:
			problems = append(problems, fmt.Sprintf("job template %q: neither command_template nor steps set", t.Name))
		}
		if t.NotificationPolicy != "" && !policies[t.NotificationPolicy] {
			problems = append(problems, fmt.Sprintf("job template %q: unknown notification policy %q",
				t.Name, t.NotificationPolicy))
		}
	}

	for i, sched := range s.Schedules {
		if !templates[sched.JobTemplate] {
			problems = append(problems, fmt.Sprintf("schedule %d: unknown job template %q", i+1, sched.JobTemplate))
		}
		if !servers[sched.Server] {
			problems = append(problems, fmt.Sprintf("schedule %d: unknown server %q", i+1, sched.Server))
		}
		if err := core.ValidateCron(sched.Cron); err != nil {
			problems = append(problems, fmt.Sprintf("schedule %d: %v", i+1, err))
		}
	}

	return problems
}

// Apply writes the seed into the store in dependency order, resolving name
// references as it goes. Re-running with the same seed is idempotent.
func (s *Seed) Apply(ctx context.Context, admin core.AdminStore) error {
	jobTypeIDs := map[string]int64{}
	for _, seedJT := range s.JobTypes {
		jt := &core.JobType{
			Name:                 seedJT.Name,
			Description:          seedJT.Description,
			RequiredCapabilities: seedJT.RequiredCapabilities,
		}
		if err := admin.UpsertJobType(ctx, jt); err != nil {
			return fmt.Errorf("job type %q: %w", jt.Name, err)
		}
		jobTypeIDs[jt.Name] = jt.ID
	}

	commandIDs := map[string]int64{}
	for _, seedCT := range s.CommandTemplates {
		ct := &core.CommandTemplate{
			JobTypeID:            jobTypeIDs[seedCT.JobType],
			Name:                 seedCT.Name,
			Command:              seedCT.Command,
			RequiredCapabilities: seedCT.RequiredCapabilities,
			TimeoutSeconds:       seedCT.TimeoutSeconds,
			ParameterSchema:      seedCT.Parameters,
		}
		if len(seedCT.OSFilter) > 0 {
			ct.OSFilter = &core.OSFilter{Distro: seedCT.OSFilter}
		}
		if err := admin.UpsertCommandTemplate(ctx, ct); err != nil {
			return fmt.Errorf("command template %q: %w", ct.Name, err)
		}
		commandIDs[ct.Name] = ct.ID
	}

	serverIDs := map[string]int64{}
	for _, seedSrv := range s.Servers {
		srv := &core.Server{
			Name:     seedSrv.Name,
			IsLocal:  seedSrv.IsLocal,
			Hostname: seedSrv.Hostname,
			Port:     seedSrv.Port,
			Username: seedSrv.Username,
			Enabled:  enabledOrDefault(seedSrv.Enabled),
		}
		if seedSrv.Credential != "" {
			// Credentials are created out of band; the name must resolve.
			cred, err := admin.CredentialByName(ctx, seedSrv.Credential)
			if err != nil {
				return fmt.Errorf("server %q: credential %q: %w", srv.Name, seedSrv.Credential, err)
			}
			srv.CredentialID = cred.ID
		}
		if err := admin.UpsertServer(ctx, srv); err != nil {
			return fmt.Errorf("server %q: %w", srv.Name, err)
		}
		serverIDs[srv.Name] = srv.ID
		for _, tag := range seedSrv.Tags {
			if err := admin.UpsertTag(ctx, srv.ID, tag); err != nil {
				return fmt.Errorf("server %q tag %q: %w", srv.Name, tag, err)
			}
		}
	}

	channelIDs := map[string]int64{}
	for _, seedCh := range s.Channels {
		ch := &core.NotificationChannel{
			Name:            seedCh.Name,
			Type:            seedCh.Type,
			Config:          seedCh.Config,
			Enabled:         enabledOrDefault(seedCh.Enabled),
			DefaultPriority: core.ClampPriority(seedCh.DefaultPriority),
		}
		if err := admin.UpsertChannel(ctx, ch); err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		channelIDs[ch.Name] = ch.ID
	}

	policyIDs := map[string]int64{}
	for _, seedP := range s.Policies {
		serverFilter := make([]int64, 0, len(seedP.ServerFilter))
		for _, name := range seedP.ServerFilter {
			id, ok := serverIDs[name]
			if !ok {
				return fmt.Errorf("policy %q: unknown server %q in filter", seedP.Name, name)
			}
			serverFilter = append(serverFilter, id)
		}
		p := &core.NotificationPolicy{
			Name:          seedP.Name,
			Enabled:       enabledOrDefault(seedP.Enabled),
			OnSuccess:     seedP.OnSuccess,
			OnFailure:     seedP.OnFailure,
			OnTimeout:     seedP.OnTimeout,
			JobTypeFilter: seedP.JobTypeFilter,
			ServerFilter:  serverFilter,
			TagFilter:     seedP.TagFilter,
			MinSeverity:   seedP.MinSeverity,
			MaxPerHour:    seedP.MaxPerHour,
			TitleTemplate: seedP.TitleTemplate,
			BodyTemplate:  seedP.BodyTemplate,
		}
		if err := admin.UpsertPolicy(ctx, p); err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
		policyIDs[p.Name] = p.ID
		for _, link := range seedP.Channels {
			if err := admin.LinkPolicyChannel(ctx, &core.NotificationPolicyChannel{
				PolicyID:         p.ID,
				ChannelID:        channelIDs[link.Name],
				PriorityOverride: link.PriorityOverride,
			}); err != nil {
				return fmt.Errorf("policy %q channel %q: %w", p.Name, link.Name, err)
			}
		}
	}

	templateIDs := map[string]int64{}
	for _, seedT := range s.JobTemplates {
		t := &core.JobTemplate{
			Name:                 seedT.Name,
			JobTypeID:            jobTypeIDs[seedT.JobType],
			IsComposite:          len(seedT.Steps) > 0,
			CommandTemplateID:    commandIDs[seedT.CommandTemplate],
			Variables:            seedT.Variables,
			TimeoutSeconds:       seedT.TimeoutSeconds,
			RetryCount:           seedT.RetryCount,
			RetryDelaySeconds:    seedT.RetryDelaySeconds,
			NotifyOnSuccess:      seedT.NotifyOnSuccess,
			NotifyOnFailure:      enabledOrDefault(seedT.NotifyOnFailure),
			NotificationPolicyID: policyIDs[seedT.NotificationPolicy],
		}
		if err := admin.UpsertJobTemplate(ctx, t); err != nil {
			return fmt.Errorf("job template %q: %w", t.Name, err)
		}
		templateIDs[t.Name] = t.ID

		if len(seedT.Steps) > 0 {
			steps := make([]core.JobTemplateStep, 0, len(seedT.Steps))
			for i, seedStep := range seedT.Steps {
				steps = append(steps, core.JobTemplateStep{
					StepOrder:         i + 1,
					CommandTemplateID: commandIDs[seedStep.CommandTemplate],
					Variables:         seedStep.Variables,
					TimeoutSeconds:    seedStep.TimeoutSeconds,
					ContinueOnFailure: seedStep.ContinueOnFailure,
				})
			}
			if err := admin.ReplaceTemplateSteps(ctx, t.ID, steps); err != nil {
				return fmt.Errorf("job template %q steps: %w", t.Name, err)
			}
		}
	}

	for i, seedSched := range s.Schedules {
		sched := &core.JobSchedule{
			JobTemplateID:  templateIDs[seedSched.JobTemplate],
			ServerID:       serverIDs[seedSched.Server],
			CronExpression: seedSched.Cron,
			Enabled:        enabledOrDefault(seedSched.Enabled),
		}
		if err := admin.UpsertSchedule(ctx, sched); err != nil {
			return fmt.Errorf("schedule %d: %w", i+1, err)
		}
	}

	return nil
}
