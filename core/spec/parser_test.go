package spec

import (
	"testing"
	"time"

	"scriptflow/core/models"
	"scriptflow/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scriptSpecYAML = `
event:
  name: nightly-report
  type: script
  script:
    kind: python
    content: |
      print("report")
  env:
    REGION: eu-west-1
  runLocation: remote_ssh
  servers:
    - server-1
  timeout: 10m
  maxAttempts: 3
  triggers:
    - kind: cron
      cron: "0 2 * * *"
    - kind: interval
      interval: 30m
`

func TestParseEventSpecScript(t *testing.T) {
	event, err := ParseEventSpec(scriptSpecYAML)
	require.NoError(t, err)

	assert.Equal(t, "nightly-report", event.Name)
	assert.Equal(t, models.JobTypeScript, event.Action.Kind)
	require.NotNil(t, event.Action.Script)
	assert.Equal(t, models.ScriptKindPython, event.Action.Script.Kind)
	assert.Contains(t, event.Action.Script.Content, "print")
	assert.Equal(t, models.RunLocationRemoteSSH, event.RunLocation)
	assert.Equal(t, []string{"server-1"}, event.ServerIDs)
	assert.Equal(t, 600, event.TimeoutSeconds)
	assert.Equal(t, 3, event.MaxAttempts)
	require.Len(t, event.EnvVars, 1)
	assert.Equal(t, "REGION", event.EnvVars[0].Key)

	require.Len(t, event.Triggers, 2)
	assert.Equal(t, models.TriggerKindCron, event.Triggers[0].Kind)
	assert.Equal(t, "0 2 * * *", event.Triggers[0].CronExpr)
	assert.Equal(t, models.TriggerKindInterval, event.Triggers[1].Kind)
	assert.Equal(t, 30*time.Minute, event.Triggers[1].Interval)
}

func TestParseEventSpecDefaults(t *testing.T) {
	event, err := ParseEventSpec(`
event:
  name: ping
  type: http
  http:
    url: https://example.com/health
`)
	require.NoError(t, err)

	assert.Equal(t, models.RunLocationLocal, event.RunLocation)
	assert.Equal(t, 1, event.MaxAttempts)
	assert.Equal(t, "GET", event.Action.HTTP.Method)
	assert.Empty(t, event.Triggers)
}

func TestParseEventSpecToolAction(t *testing.T) {
	event, err := ParseEventSpec(`
event:
  name: notify
  type: tool_action
  toolAction:
    tool: mailer
    action: send
    config:
      to: ops
`)
	require.NoError(t, err)

	require.NotNil(t, event.Action.ToolAction)
	assert.Equal(t, "mailer", event.Action.ToolAction.Tool)
	assert.Equal(t, "send", event.Action.ToolAction.Action)
	assert.Equal(t, "ops", event.Action.ToolAction.Config["to"])
}

func TestParseEventSpecRejections(t *testing.T) {
	cases := map[string]string{
		"not yaml at all": "event: [",
		"missing name": `
event:
  type: http
  http:
    url: https://example.com
`,
		"unknown type": `
event:
  name: x
  type: carrier_pigeon
`,
		"script without body": `
event:
  name: x
  type: script
  script:
    kind: bash
`,
		"unknown script kind": `
event:
  name: x
  type: script
  script:
    kind: perl
    content: print
`,
		"http without url": `
event:
  name: x
  type: http
  http:
    method: POST
`,
		"tool action without action": `
event:
  name: x
  type: tool_action
  toolAction:
    tool: mailer
`,
		"unknown run location": `
event:
  name: x
  type: http
  http:
    url: https://example.com
  runLocation: orbit
`,
		"bad timeout": `
event:
  name: x
  type: http
  http:
    url: https://example.com
  timeout: soonish
`,
		"bad cron": `
event:
  name: x
  type: http
  http:
    url: https://example.com
  triggers:
    - kind: cron
      cron: "not a cron"
`,
		"interval without duration": `
event:
  name: x
  type: http
  http:
    url: https://example.com
  triggers:
    - kind: interval
`,
		"unknown trigger kind": `
event:
  name: x
  type: http
  http:
    url: https://example.com
  triggers:
    - kind: full_moon
`,
	}

	for name, specYAML := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEventSpec(specYAML)
			require.Error(t, err)
			assert.True(t, apperr.IsType(err, apperr.TypeValidation), "expected validation error, got %v", err)
		})
	}
}

func TestRenderEventSpecRoundTrip(t *testing.T) {
	event, err := ParseEventSpec(scriptSpecYAML)
	require.NoError(t, err)

	rendered, err := RenderEventSpec(event)
	require.NoError(t, err)

	reparsed, err := ParseEventSpec(rendered)
	require.NoError(t, err)

	assert.Equal(t, event.Name, reparsed.Name)
	assert.Equal(t, event.Action, reparsed.Action)
	assert.Equal(t, event.RunLocation, reparsed.RunLocation)
	assert.Equal(t, event.TimeoutSeconds, reparsed.TimeoutSeconds)
	assert.Equal(t, event.MaxAttempts, reparsed.MaxAttempts)
	assert.ElementsMatch(t, event.EnvVars, reparsed.EnvVars)
	assert.Equal(t, event.Triggers, reparsed.Triggers)
}
