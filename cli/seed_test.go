package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/netresearch/fleetcron/core"
	"github.com/netresearch/fleetcron/store"
)

const seedFixture = `
job_types:
  - name: os
    required_capabilities: []

command_templates:
  - name: apt-upgrade
    job_type: os
    command: "apt-get upgrade -y"
    required_capabilities: [apt]
    os_filter: [debian, ubuntu]
  - name: uptime
    job_type: os
    command: uptime

servers:
  - name: local
    is_local: true
    tags: [mgmt]
  - name: web-1
    hostname: web-1.example.com
    port: 22
    username: deploy
    credential: deploy-key
    tags: [prod, web]

channels:
  - name: push
    type: gotify
    default_priority: 3
    config:
      url: https://gotify.example.com
      token: abc

policies:
  - name: ops
    on_failure: true
    on_timeout: true
    server_filter: [web-1]
    max_per_hour: 10
    channels:
      - name: push
        priority_override: 5

job_templates:
  - name: patch-web
    job_type: os
    command_template: apt-upgrade
    retry_count: 2
    notification_policy: ops
  - name: health-check
    job_type: os
    steps:
      - command_template: uptime
      - command_template: apt-upgrade
        continue_on_failure: true

schedules:
  - job_template: patch-web
    server: web-1
    cron: "0 3 * * *"
`

func parseSeed(t *testing.T, raw string) *Seed {
	t.Helper()
	var seed Seed
	require.NoError(t, yaml.Unmarshal([]byte(raw), &seed))
	return &seed
}

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedFixture), 0o644))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Len(t, seed.CommandTemplates, 2)
	assert.Len(t, seed.Servers, 2)
	assert.Len(t, seed.JobTemplates, 2)
}

func TestSeedLintCleanFixture(t *testing.T) {
	t.Parallel()

	assert.Empty(t, parseSeed(t, seedFixture).Lint())
}

func TestSeedLintFindsDanglingReferences(t *testing.T) {
	t.Parallel()

	seed := parseSeed(t, `
command_templates:
  - name: uptime
    job_type: nope
    command: uptime

job_templates:
  - name: broken
    job_type: nope
    command_template: missing
    notification_policy: ghost

schedules:
  - job_template: broken
    server: nowhere
    cron: "0 3 * * *"
`)
	problems := seed.Lint()
	assert.Contains(t, problems, `command template "uptime": unknown job type "nope"`)
	assert.Contains(t, problems, `job template "broken": unknown command template "missing"`)
	assert.Contains(t, problems, `job template "broken": unknown notification policy "ghost"`)
	assert.Contains(t, problems, `schedule 1: unknown server "nowhere"`)
}

func TestSeedLintRejectsBadCron(t *testing.T) {
	t.Parallel()

	seed := parseSeed(t, `
job_types:
  - name: os
command_templates:
  - name: uptime
    job_type: os
    command: uptime
servers:
  - name: local
    is_local: true
job_templates:
  - name: check
    job_type: os
    command_template: uptime
schedules:
  - job_template: check
    server: local
    cron: "every day at 3"
`)
	problems := seed.Lint()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "schedule 1")
}

func TestSeedLintTemplateShape(t *testing.T) {
	t.Parallel()

	seed := parseSeed(t, `
job_types:
  - name: os
command_templates:
  - name: uptime
    job_type: os
    command: uptime
job_templates:
  - name: both
    job_type: os
    command_template: uptime
    steps:
      - command_template: uptime
  - name: neither
    job_type: os
`)
	problems := seed.Lint()
	assert.Contains(t, problems, `job template "both": both command_template and steps set`)
	assert.Contains(t, problems, `job template "neither": neither command_template nor steps set`)
}

func TestSeedLintBadParameterSchema(t *testing.T) {
	t.Parallel()

	seed := parseSeed(t, `
job_types:
  - name: os
command_templates:
  - name: purge
    job_type: os
    command: "purge --days {{days}}"
    parameters:
      - name: days
        type: int
        default: soon
`)
	problems := seed.Lint()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], `command template "purge"`)
	assert.Contains(t, problems[0], `"days"`)
}

func TestSeedLintRemoteServerNeedsHostname(t *testing.T) {
	t.Parallel()

	seed := parseSeed(t, `
servers:
  - name: web-1
    username: deploy
`)
	problems := seed.Lint()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "remote server without hostname")
}

func TestSeedLintUnknownChannelType(t *testing.T) {
	t.Parallel()

	seed := parseSeed(t, `
channels:
  - name: pager
    type: carrier-pigeon
`)
	problems := seed.Lint()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], `unknown type "carrier-pigeon"`)
}

func TestSeedApply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := store.NewMemory()

	// The seed references this credential by name.
	cred := &core.Credential{Name: "deploy-key", Type: core.CredentialSSHKey, Value: "/etc/fleetcron/id_ed25519"}
	require.NoError(t, mem.InsertCredential(ctx, cred))

	seed := parseSeed(t, seedFixture)
	require.Empty(t, seed.Lint())
	require.NoError(t, seed.Apply(ctx, mem))

	web, err := mem.ServerByName(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, "web-1.example.com", web.Hostname)
	assert.Equal(t, cred.ID, web.CredentialID)
	assert.True(t, web.Enabled)

	tags, err := mem.TagsForServer(ctx, web.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prod", "web"}, tags)

	simple, err := mem.JobTemplateByName(ctx, "patch-web")
	require.NoError(t, err)
	assert.False(t, simple.IsComposite)
	assert.NotZero(t, simple.CommandTemplateID)
	assert.Equal(t, 2, simple.RetryCount)
	// notify_on_failure defaults to true when omitted.
	assert.True(t, simple.NotifyOnFailure)
	assert.NotZero(t, simple.NotificationPolicyID)

	composite, err := mem.JobTemplateByName(ctx, "health-check")
	require.NoError(t, err)
	assert.True(t, composite.IsComposite)
	steps, err := mem.StepsForTemplate(ctx, composite.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepOrder)
	assert.True(t, steps[1].ContinueOnFailure)

	ct, err := mem.CommandTemplate(ctx, simple.CommandTemplateID)
	require.NoError(t, err)
	require.NotNil(t, ct.OSFilter)
	assert.Equal(t, []string{"debian", "ubuntu"}, ct.OSFilter.Distro)

	policies, err := mem.EnabledPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, []int64{web.ID}, policies[0].ServerFilter)

	links, err := mem.PolicyChannels(ctx, policies[0].ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 5, links[0].PriorityOverride)

	due, err := mem.DueSchedules(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "0 3 * * *", due[0].CronExpression)
}

func TestSeedApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.InsertCredential(ctx, &core.Credential{Name: "deploy-key", Type: core.CredentialSSHKey}))

	seed := parseSeed(t, seedFixture)
	require.NoError(t, seed.Apply(ctx, mem))

	first, err := mem.JobTemplateByName(ctx, "patch-web")
	require.NoError(t, err)

	require.NoError(t, seed.Apply(ctx, mem))
	second, err := mem.JobTemplateByName(ctx, "patch-web")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Re-applying does not duplicate schedules.
	due, err := mem.DueSchedules(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSeedApplyFailsOnUnknownCredential(t *testing.T) {
	t.Parallel()

	seed := parseSeed(t, seedFixture)
	err := seed.Apply(context.Background(), store.NewMemory())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `credential "deploy-key"`)
}
