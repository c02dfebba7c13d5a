// Package spec parses YAML event specifications into event models.
package spec

import (
	"fmt"
	"time"

	"scriptflow/core/models"
	"scriptflow/core/scheduler"
	"scriptflow/pkg/apperr"

	"gopkg.in/yaml.v3"
)

// EventSpec is the YAML event specification.
type EventSpec struct {
	Event EventSpecEvent `yaml:"event"`
}

// EventSpecEvent is the event section of the spec.
type EventSpecEvent struct {
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Script      *EventSpecScript   `yaml:"script,omitempty"`
	HTTP        *EventSpecHTTP     `yaml:"http,omitempty"`
	ToolAction  *EventSpecTool     `yaml:"toolAction,omitempty"`
	Env         map[string]string  `yaml:"env,omitempty"`
	RunLocation string             `yaml:"runLocation"`
	Servers     []string           `yaml:"servers,omitempty"`
	Timeout     string             `yaml:"timeout,omitempty"`
	MaxAttempts int                `yaml:"maxAttempts,omitempty"`
	Triggers    []EventSpecTrigger `yaml:"triggers,omitempty"`
}

// EventSpecScript is a script action.
type EventSpecScript struct {
	Kind    string `yaml:"kind"`
	Content string `yaml:"content"`
}

// EventSpecHTTP is an HTTP call action.
type EventSpecHTTP struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    any               `yaml:"body,omitempty"`
}

// EventSpecTool is a tool action.
type EventSpecTool struct {
	Tool   string         `yaml:"tool"`
	Action string         `yaml:"action"`
	Config map[string]any `yaml:"config,omitempty"`
}

// EventSpecTrigger is one trigger configuration.
type EventSpecTrigger struct {
	Kind     string `yaml:"kind"`
	Cron     string `yaml:"cron,omitempty"`
	Interval string `yaml:"interval,omitempty"`
}

// ParseEventSpec parses a YAML event specification into an Event
// model. Validation failures are synchronous rejections; an invalid
// spec never reaches the job store.
func ParseEventSpec(specYAML string) (*models.Event, error) {
	var spec EventSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, apperr.Validation("failed to parse event spec: %v", err)
	}

	e := spec.Event
	if e.Name == "" {
		return nil, apperr.Validation("event name is required")
	}

	action, err := parseAction(e)
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		Name:        e.Name,
		Action:      action,
		RunLocation: models.RunLocation(e.RunLocation),
		ServerIDs:   e.Servers,
		MaxAttempts: e.MaxAttempts,
	}
	if event.RunLocation == "" {
		event.RunLocation = models.RunLocationLocal
	}
	switch event.RunLocation {
	case models.RunLocationLocal, models.RunLocationRemoteContainer, models.RunLocationRemoteSSH:
	default:
		return nil, apperr.Validation("unknown run location %q", e.RunLocation)
	}
	if event.MaxAttempts <= 0 {
		event.MaxAttempts = 1
	}

	for key, value := range e.Env {
		event.EnvVars = append(event.EnvVars, models.EnvVar{Key: key, Value: value})
	}

	if e.Timeout != "" {
		timeout, err := time.ParseDuration(e.Timeout)
		if err != nil || timeout <= 0 {
			return nil, apperr.Validation("invalid timeout %q", e.Timeout)
		}
		event.TimeoutSeconds = int(timeout / time.Second)
	}

	for _, t := range e.Triggers {
		trigger, err := parseTrigger(t)
		if err != nil {
			return nil, err
		}
		event.Triggers = append(event.Triggers, trigger)
	}

	return event, nil
}

func parseAction(e EventSpecEvent) (models.EventAction, error) {
	switch models.JobType(e.Type) {
	case models.JobTypeScript:
		if e.Script == nil || e.Script.Content == "" {
			return models.EventAction{}, apperr.Validation("script events need a script body")
		}
		kind := models.ScriptKind(e.Script.Kind)
		switch kind {
		case models.ScriptKindBash, models.ScriptKindPython, models.ScriptKindNode:
		default:
			return models.EventAction{}, apperr.Validation("unknown script kind %q", e.Script.Kind)
		}
		return models.EventAction{
			Kind:   models.JobTypeScript,
			Script: &models.ScriptSpec{Kind: kind, Content: e.Script.Content},
		}, nil

	case models.JobTypeHTTP:
		if e.HTTP == nil || e.HTTP.URL == "" {
			return models.EventAction{}, apperr.Validation("http events need a URL")
		}
		method := e.HTTP.Method
		if method == "" {
			method = "GET"
		}
		return models.EventAction{
			Kind: models.JobTypeHTTP,
			HTTP: &models.HTTPSpec{
				Method:  method,
				URL:     e.HTTP.URL,
				Headers: e.HTTP.Headers,
				Body:    e.HTTP.Body,
			},
		}, nil

	case models.JobTypeToolAction:
		if e.ToolAction == nil || e.ToolAction.Tool == "" || e.ToolAction.Action == "" {
			return models.EventAction{}, apperr.Validation("tool action events need a tool and an action")
		}
		return models.EventAction{
			Kind: models.JobTypeToolAction,
			ToolAction: &models.ToolActionSpec{
				Tool:   e.ToolAction.Tool,
				Action: e.ToolAction.Action,
				Config: e.ToolAction.Config,
			},
		}, nil

	default:
		return models.EventAction{}, apperr.Validation("unknown event type %q", e.Type)
	}
}

func parseTrigger(t EventSpecTrigger) (models.Trigger, error) {
	trigger := models.Trigger{Kind: models.TriggerKind(t.Kind), CronExpr: t.Cron}
	if t.Interval != "" {
		interval, err := time.ParseDuration(t.Interval)
		if err != nil {
			return models.Trigger{}, apperr.Validation("invalid interval %q: %v", t.Interval, err)
		}
		trigger.Interval = interval
	}
	if err := scheduler.ValidateTrigger(trigger); err != nil {
		return models.Trigger{}, err
	}
	return trigger, nil
}

// RenderEventSpec serializes an event back into its YAML spec form,
// useful for echoing a normalized spec to callers.
func RenderEventSpec(event *models.Event) (string, error) {
	e := EventSpecEvent{
		Name:        event.Name,
		Type:        string(event.Action.Kind),
		RunLocation: string(event.RunLocation),
		Servers:     event.ServerIDs,
		MaxAttempts: event.MaxAttempts,
	}
	if event.TimeoutSeconds > 0 {
		e.Timeout = (time.Duration(event.TimeoutSeconds) * time.Second).String()
	}
	if len(event.EnvVars) > 0 {
		e.Env = make(map[string]string, len(event.EnvVars))
		for _, v := range event.EnvVars {
			e.Env[v.Key] = v.Value
		}
	}
	switch event.Action.Kind {
	case models.JobTypeScript:
		e.Script = &EventSpecScript{Kind: string(event.Action.Script.Kind), Content: event.Action.Script.Content}
	case models.JobTypeHTTP:
		e.HTTP = &EventSpecHTTP{
			Method:  event.Action.HTTP.Method,
			URL:     event.Action.HTTP.URL,
			Headers: event.Action.HTTP.Headers,
			Body:    event.Action.HTTP.Body,
		}
	case models.JobTypeToolAction:
		e.ToolAction = &EventSpecTool{
			Tool:   event.Action.ToolAction.Tool,
			Action: event.Action.ToolAction.Action,
			Config: event.Action.ToolAction.Config,
		}
	}
	for _, t := range event.Triggers {
		st := EventSpecTrigger{Kind: string(t.Kind), Cron: t.CronExpr}
		if t.Interval > 0 {
			st.Interval = t.Interval.String()
		}
		e.Triggers = append(e.Triggers, st)
	}

	out, err := yaml.Marshal(EventSpec{Event: e})
	if err != nil {
		return "", fmt.Errorf("failed to render event spec: %w", err)
	}
	return string(out), nil
}
