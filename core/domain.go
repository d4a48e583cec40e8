package core

import (
	"net"
	"strconv"
	"time"
)

// Run and step statuses. A run starts in StatusRunning and moves to exactly
// one terminal status; StatusSkipped is used for step rows only.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// IsTerminalStatus reports whether a run status is terminal.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// SeverityForStatus maps a terminal run status to a severity in [1,5].
func SeverityForStatus(status string) int {
	switch status {
	case StatusSuccess:
		return 1
	case StatusCancelled:
		return 3
	case StatusTimeout:
		return 4
	case StatusFailure:
		return 5
	default:
		return 3
	}
}

// Credential types.
const (
	CredentialSSHKey   = "ssh-key"
	CredentialPassword = "password"
	CredentialAPIToken = "api-token"
)

// Notification channel types.
const (
	ChannelGotify  = "gotify"
	ChannelNtfy    = "ntfy"
	ChannelEmail   = "email"
	ChannelSlack   = "slack"
	ChannelDiscord = "discord"
	ChannelWebhook = "webhook"
)

// JobType is a job category (e.g. "docker", "os"). Its name is immutable
// identity; the capability requirements apply to every command template
// bound to it.
type JobType struct {
	ID                   int64
	Name                 string
	Description          string
	RequiredCapabilities []string
}

// OSFilter restricts a command template to servers running one of the listed
// distros. A nil filter or an empty distro list matches every server.
type OSFilter struct {
	Distro []string `json:"distro" mapstructure:"distro"`
}

// Parameter describes one entry of a command template's parameter schema.
type Parameter struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
	Default    string `json:"default,omitempty"`
	Validation string `json:"validation,omitempty"`
}

// CommandTemplate is a reusable command recipe bound to one JobType.
// Command may contain {{var}} placeholders resolved at dispatch time.
type CommandTemplate struct {
	ID                   int64
	JobTypeID            int64
	Name                 string
	Command              string
	RequiredCapabilities []string
	OSFilter             *OSFilter
	TimeoutSeconds       int
	ParameterSchema      []Parameter
}

// JobTemplate is a user-defined job. Simple templates carry exactly one
// CommandTemplateID; composite templates carry ordered steps instead and
// CommandTemplateID is zero.
type JobTemplate struct {
	ID                   int64
	Name                 string
	JobTypeID            int64
	IsComposite          bool
	CommandTemplateID    int64
	Variables            map[string]string
	TimeoutSeconds       int
	RetryCount           int
	RetryDelaySeconds    int
	NotifyOnSuccess      bool
	NotifyOnFailure      bool
	NotificationPolicyID int64
}

// JobTemplateStep is one ordered command of a composite job template.
// Step variables are layered on top of the template variables (step wins).
type JobTemplateStep struct {
	ID                int64
	JobTemplateID     int64
	StepOrder         int
	CommandTemplateID int64
	Variables         map[string]string
	TimeoutSeconds    int
	ContinueOnFailure bool
}

// Server is an execution target. Disabled servers are never dispatched to.
// The detected facts (OSDistro, PackageManager, DockerAvailable,
// SystemdAvailable) are refreshed by capability detection.
type Server struct {
	ID               int64
	Name             string
	IsLocal          bool
	Hostname         string
	Port             int
	Username         string
	CredentialID     int64
	OSDistro         string
	PackageManager   string
	DockerAvailable  bool
	SystemdAvailable bool
	LastSeenAt       *time.Time
	LastError        string
	Enabled          bool
}

// Address returns host:port for SSH dialing, defaulting the port to 22.
func (s *Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Hostname, strconv.Itoa(port))
}

// ServerCapability is one detected capability row. The effective capability
// set of a server is the union of the static Server booleans and the rows
// with Available=true.
type ServerCapability struct {
	ServerID   int64
	Name       string
	Available  bool
	Version    string
	DetectedAt time.Time
}

// Credential holds an opaque secret of a given type. Encryption at rest is
// the store's concern; the core only reads the value.
type Credential struct {
	ID    int64
	Name  string
	Type  string
	Value string
}

// Tag is a label attached to servers, referenced by policy tag filters.
type Tag struct {
	ID   int64
	Name string
}

// JobSchedule binds a job template to a server with a cron expression.
type JobSchedule struct {
	ID             int64
	JobTemplateID  int64
	ServerID       int64
	CronExpression string
	Enabled        bool
	LastRunAt      *time.Time
	LastRunStatus  string
	NextRunAt      *time.Time
	SuccessCount   int64
	FailureCount   int64
}

// JobRun is one execution attempt of a job template on a server.
// JobScheduleID is zero for manually triggered runs.
type JobRun struct {
	ID                int64
	JobTemplateID     int64
	ServerID          int64
	JobScheduleID     int64
	Status            string
	StartedAt         time.Time
	FinishedAt        *time.Time
	DurationMs        int64
	ExitCode          *int
	Output            string
	Error             string
	RetryAttempt      int
	IsRetry           bool
	NotificationSent  bool
	NotificationError string
	Metadata          map[string]any
}

// StepExecutionResult is the per-run row of one composite step.
type StepExecutionResult struct {
	ID                int64
	JobRunID          int64
	StepOrder         int
	CommandTemplateID int64
	Status            string
	StartedAt         time.Time
	FinishedAt        *time.Time
	DurationMs        int64
	ExitCode          *int
	Output            string
	Error             string
}

// NotificationChannel is a configured delivery endpoint. Config keys are
// transport-specific and decoded by the transport implementation.
type NotificationChannel struct {
	ID              int64
	Name            string
	Type            string
	Config          map[string]any
	Enabled         bool
	DefaultPriority int
	LastTestedAt    *time.Time
	LastTestOK      bool
	LastTestError   string
}

// NotificationPolicy decides which runs notify which channels. Empty filter
// lists match everything; MaxPerHour of zero means unlimited.
type NotificationPolicy struct {
	ID            int64
	Name          string
	Enabled       bool
	OnSuccess     bool
	OnFailure     bool
	OnTimeout     bool
	JobTypeFilter []string
	ServerFilter  []int64
	TagFilter     []string
	MinSeverity   int
	MaxPerHour    int
	TitleTemplate string
	BodyTemplate  string
}

// NotificationPolicyChannel links a policy to a channel. PriorityOverride of
// zero means the channel default applies.
type NotificationPolicyChannel struct {
	PolicyID         int64
	ChannelID        int64
	PriorityOverride int
}

// NotificationLog records one delivery attempt, successful or not.
type NotificationLog struct {
	ID           int64
	ChannelID    int64
	PolicyID     int64
	JobRunID     int64
	Title        string
	Body         string
	Priority     int
	Success      bool
	ErrorMessage string
	RetryCount   int
	SentAt       time.Time
}

// ClampPriority forces a priority into the valid [1,5] range.
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}
