// Package eval executes a weighted suite of golden tasks against produced
// artifacts, aggregates a 0-100 score, and derives confidence signals.
package eval

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"metabuilder/pkg/proto"
)

// StepType identifies how a golden step is executed.
type StepType string

// Step executor types.
const (
	StepHTTPRequest StepType = "http_request"
	StepDatabase    StepType = "database"
	StepUI          StepType = "ui"
	StepAnalytics   StepType = "analytics"
	StepRBAC        StepType = "rbac"
	StepGeneric     StepType = "generic"
)

// GoldenStep is one ordered, typed check within a golden task. Each step
// yields exactly one assertion result.
type GoldenStep struct {
	Name   string   `yaml:"name"`
	Type   StepType `yaml:"type"`
	Target string   `yaml:"target"`
	Expect string   `yaml:"expect"`
	Negate bool     `yaml:"negate,omitempty"`
}

// GoldenTask is a predefined test scenario. Weight defaults to 1.0 when
// unset.
type GoldenTask struct {
	ID       string       `yaml:"id"`
	Category string       `yaml:"category"`
	Weight   float64      `yaml:"weight,omitempty"`
	Steps    []GoldenStep `yaml:"steps"`
}

// EffectiveWeight resolves the task's weight with the 1.0 default.
func (t *GoldenTask) EffectiveWeight() float64 {
	if t.Weight <= 0 {
		return 1.0
	}
	return t.Weight
}

// Library holds golden tasks grouped into named sets. The built-in library
// is the canonical fully populated one; sets can also be loaded from YAML.
type Library struct {
	sets map[string][]GoldenTask
}

// Always-on set names unioned into every selection.
var alwaysOnSets = []string{"crud", "auth", "security"}

// integrationSets maps spec integrations to library set names.
var integrationSets = map[string]string{
	"stripe": "payments",
	"slack":  "notifications",
	"s3":     "files",
}

// MaxSelectedTasks caps evaluation cost.
const MaxSelectedTasks = 20

// NewLibrary returns the built-in golden task library.
func NewLibrary() *Library {
	return &Library{sets: builtinSets()}
}

// LoadLibrary reads additional task sets from a YAML file and merges them
// over the built-in library.
func LoadLibrary(path string) (*Library, error) {
	lib := NewLibrary()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task library %s: %w", path, err)
	}
	var sets map[string][]GoldenTask
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("failed to parse task library %s: %w", path, err)
	}
	for name, tasks := range sets {
		lib.sets[name] = tasks
	}
	return lib, nil
}

// SelectTasks builds the task list for a spec: the always-on sets unioned
// with the domain set, integration sets, and AI sets, deduplicated by task
// ID and capped at MaxSelectedTasks. Selection is deterministic for a given
// spec.
func (l *Library) SelectTasks(spec *proto.BuildSpec) []GoldenTask {
	var setNames []string
	setNames = append(setNames, alwaysOnSets...)

	if spec.Domain != "" {
		if _, ok := l.sets[spec.Domain]; ok {
			setNames = append(setNames, spec.Domain)
		}
	}
	for _, integration := range spec.Integrations {
		if set, ok := integrationSets[integration]; ok {
			setNames = append(setNames, set)
		}
	}
	if spec.AI.Copilots {
		setNames = append(setNames, "ai_copilot")
	}
	if spec.AI.RAG {
		setNames = append(setNames, "ai_rag")
	}

	seen := make(map[string]bool)
	var selected []GoldenTask
	for _, name := range setNames {
		tasks := l.sets[name]
		for _, task := range tasks {
			if seen[task.ID] {
				continue
			}
			seen[task.ID] = true
			selected = append(selected, task)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].ID < selected[j].ID
	})
	if len(selected) > MaxSelectedTasks {
		selected = selected[:MaxSelectedTasks]
	}
	return selected
}

// SetNames lists the library's set names.
func (l *Library) SetNames() []string {
	names := make([]string, 0, len(l.sets))
	for name := range l.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func builtinSets() map[string][]GoldenTask {
	return map[string][]GoldenTask{
		"crud": {
			{
				ID: "crud-entities", Category: "crud", Weight: 2.0,
				Steps: []GoldenStep{
					{Name: "create endpoint exists", Type: StepHTTPRequest, Target: "POST /", Expect: "a create route is defined"},
					{Name: "list endpoint exists", Type: StepHTTPRequest, Target: "GET /", Expect: "a list route is defined"},
					{Name: "schema defines entities", Type: StepDatabase, Target: "CREATE TABLE", Expect: "a relational schema is defined"},
					{Name: "update and delete handled", Type: StepGeneric, Target: "update", Expect: "mutation handlers are present"},
				},
			},
			{
				ID: "crud-validation", Category: "crud",
				Steps: []GoldenStep{
					{Name: "input validation present", Type: StepGeneric, Target: "validate", Expect: "request payloads are validated"},
					{Name: "errors returned as structured responses", Type: StepHTTPRequest, Target: "400", Expect: "validation failures map to 400s"},
				},
			},
		},
		"auth": {
			{
				ID: "auth-login", Category: "auth", Weight: 2.0,
				Steps: []GoldenStep{
					{Name: "login endpoint exists", Type: StepHTTPRequest, Target: "login", Expect: "a login route is defined"},
					{Name: "sessions persisted", Type: StepDatabase, Target: "session", Expect: "sessions are stored"},
				},
			},
			{
				ID: "auth-rbac", Category: "auth",
				Steps: []GoldenStep{
					{Name: "roles defined", Type: StepRBAC, Target: "role", Expect: "roles are modeled"},
					{Name: "permission checks on routes", Type: StepRBAC, Target: "permission", Expect: "routes check permissions"},
				},
			},
		},
		"security": {
			{
				ID: "security-injection", Category: "security", Weight: 2.0,
				Steps: []GoldenStep{
					{Name: "parameterized queries", Type: StepDatabase, Target: "?", Expect: "queries use placeholders"},
					{Name: "no secrets in artifacts", Type: StepGeneric, Target: "sk-", Expect: "no API keys in code", Negate: true},
				},
			},
			{
				ID: "security-headers", Category: "security",
				Steps: []GoldenStep{
					{Name: "auth middleware applied", Type: StepHTTPRequest, Target: "middleware", Expect: "middleware wraps routes"},
				},
			},
		},
		"crm": {
			{
				ID: "crm-contacts", Category: "crm",
				Steps: []GoldenStep{
					{Name: "contact entity modeled", Type: StepDatabase, Target: "contact", Expect: "contacts table exists"},
					{Name: "contact endpoints exist", Type: StepHTTPRequest, Target: "contacts", Expect: "contact routes are defined"},
				},
			},
			{
				ID: "crm-deals", Category: "crm",
				Steps: []GoldenStep{
					{Name: "deal pipeline stages", Type: StepGeneric, Target: "stage", Expect: "pipeline stages are modeled"},
					{Name: "deal reporting", Type: StepAnalytics, Target: "deal", Expect: "deal aggregates are computed"},
				},
			},
		},
		"lms": {
			{
				ID: "lms-courses", Category: "lms",
				Steps: []GoldenStep{
					{Name: "course entity modeled", Type: StepDatabase, Target: "course", Expect: "courses table exists"},
					{Name: "enrollment flow", Type: StepHTTPRequest, Target: "enroll", Expect: "enrollment routes are defined"},
				},
			},
			{
				ID: "lms-progress", Category: "lms",
				Steps: []GoldenStep{
					{Name: "progress tracked", Type: StepAnalytics, Target: "progress", Expect: "progress metrics are computed"},
				},
			},
		},
		"helpdesk": {
			{
				ID: "helpdesk-tickets", Category: "helpdesk",
				Steps: []GoldenStep{
					{Name: "ticket entity modeled", Type: StepDatabase, Target: "ticket", Expect: "tickets table exists"},
					{Name: "ticket lifecycle endpoints", Type: StepHTTPRequest, Target: "tickets", Expect: "ticket routes are defined"},
				},
			},
			{
				ID: "helpdesk-sla", Category: "helpdesk",
				Steps: []GoldenStep{
					{Name: "sla timers tracked", Type: StepAnalytics, Target: "sla", Expect: "SLA metrics are computed"},
				},
			},
		},
		"payments": {
			{
				ID: "payments-checkout", Category: "payments", Weight: 2.0,
				Steps: []GoldenStep{
					{Name: "checkout endpoint exists", Type: StepHTTPRequest, Target: "checkout", Expect: "a checkout route is defined"},
					{Name: "stripe client configured", Type: StepGeneric, Target: "stripe", Expect: "the stripe integration is wired"},
				},
			},
			{
				ID: "payments-webhooks", Category: "payments",
				Steps: []GoldenStep{
					{Name: "webhook endpoint verified", Type: StepHTTPRequest, Target: "webhook", Expect: "webhooks are verified"},
				},
			},
		},
		"notifications": {
			{
				ID: "notifications-slack", Category: "notifications",
				Steps: []GoldenStep{
					{Name: "slack client configured", Type: StepGeneric, Target: "slack", Expect: "the slack integration is wired"},
					{Name: "notification templates", Type: StepUI, Target: "notification", Expect: "notification templates exist"},
				},
			},
		},
		"files": {
			{
				ID: "files-upload", Category: "files",
				Steps: []GoldenStep{
					{Name: "upload endpoint exists", Type: StepHTTPRequest, Target: "upload", Expect: "an upload route is defined"},
					{Name: "s3 storage configured", Type: StepGeneric, Target: "s3", Expect: "the s3 integration is wired"},
				},
			},
		},
		"ai_copilot": {
			{
				ID: "ai-copilot-chat", Category: "ai",
				Steps: []GoldenStep{
					{Name: "copilot endpoint exists", Type: StepHTTPRequest, Target: "copilot", Expect: "a copilot route is defined"},
					{Name: "prompt assembly present", Type: StepGeneric, Target: "prompt", Expect: "prompts are assembled server-side"},
				},
			},
		},
		"ai_rag": {
			{
				ID: "ai-rag-retrieval", Category: "ai",
				Steps: []GoldenStep{
					{Name: "embedding storage", Type: StepDatabase, Target: "embedding", Expect: "embeddings are stored"},
					{Name: "retrieval endpoint exists", Type: StepHTTPRequest, Target: "search", Expect: "a retrieval route is defined"},
				},
			},
		},
	}
}
