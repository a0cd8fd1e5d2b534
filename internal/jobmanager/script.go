package jobmanager

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// ScriptContext supplies the values a job script template may reference
// (spec.md §4.7: "templated job wrapper script, substituting task
// identity, platform, and environment").
type ScriptContext struct {
	TaskName     string
	CyclePoint   string
	Platform     string
	SubmitNumber int
	WorkflowName string
	Environment  map[string]string
	ScriptBody   string
}

// DefaultJobScriptTemplate is the background-runner reference wrapper: it
// exports the task identity as environment variables, sources the
// environment block, then runs the task's own script, grounded on the
// bash job-wrapper shape spec.md §4.7 describes ("identity variables,
// environment block, trap-based error reporting, exec of the task
// script"). Masterminds/sprig supplies the `quote`/`upper` helpers used
// below, following the pack's templating convention.
const DefaultJobScriptTemplate = `#!/bin/bash
set -eu
export CYLC_TASK_NAME={{ .TaskName | quote }}
export CYLC_TASK_CYCLE_POINT={{ .CyclePoint | quote }}
export CYLC_TASK_SUBMIT_NUMBER={{ .SubmitNumber }}
export CYLC_WORKFLOW_NAME={{ .WorkflowName | quote }}
export CYLC_TASK_PLATFORM={{ .Platform | quote }}
{{- range $k, $v := .Environment }}
export {{ $k | upper }}={{ $v | quote }}
{{- end }}

trap 'echo "[FAIL] $CYLC_TASK_NAME.$CYLC_TASK_CYCLE_POINT exited $?" >&2' ERR

{{ .ScriptBody }}
`

// ScriptGenerator renders job wrapper scripts from a text/template, with
// sprig's function set available to authors of custom templates
// (spec.md §9: "job script generation is templated, not hardcoded").
type ScriptGenerator struct {
	tmpl *template.Template
}

// NewScriptGenerator parses tmplSrc (DefaultJobScriptTemplate if empty).
func NewScriptGenerator(tmplSrc string) (*ScriptGenerator, error) {
	if tmplSrc == "" {
		tmplSrc = DefaultJobScriptTemplate
	}
	t, err := template.New("job-script").Funcs(sprig.TxtFuncMap()).Parse(tmplSrc)
	if err != nil {
		return nil, err
	}
	return &ScriptGenerator{tmpl: t}, nil
}

// Render produces the job script text for ctx.
func (g *ScriptGenerator) Render(ctx ScriptContext) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, ctx); err != nil {
		return "", err
	}
	return buf.String(), nil
}
