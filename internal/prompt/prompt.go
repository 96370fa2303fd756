// Package prompt renders the task prompt handed to the engine.
package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/config"
)

//go:embed task.tmpl
var defaultTaskTmpl string

const (
	attendedInstructions   = "You are running in ATTENDED mode. If you have a blocking question, write it to the clarification file and stop."
	autonomousInstructions = "You are running in AUTONOMOUS mode. Make reasonable decisions and proceed without asking questions."
)

// Data is everything the task template can reference.
type Data struct {
	ProjectName        string
	Language           string
	Framework          string
	TOC                string
	Rules              []string
	Boundaries         []string
	TaskID             string
	TaskTitle          string
	AcceptanceCriteria []string
	Assumptions        []string
	Clarifications     string
	ModeInstructions   string
	OwnedPaths         []string
	ClarificationFile  string
	EvidenceFile       string
}

// Files locates the per-task side channel files mentioned in the prompt.
type Files struct {
	Clarification string
	Evidence      string
}

// NewData assembles template data for task under st.
func NewData(st *config.Station, task board.Task, toc, clarifications string, files Files) Data {
	d := Data{
		ProjectName:        st.Project.Name,
		Language:           orDefault(st.Project.Language, "unknown"),
		Framework:          orDefault(st.Project.Framework, "none"),
		TOC:                orDefault(strings.TrimSpace(toc), "_No TOC generated._"),
		Rules:              st.Rules,
		Boundaries:         st.Boundaries,
		TaskID:             task.ID,
		TaskTitle:          task.Title,
		AcceptanceCriteria: task.AcceptanceCriteria,
		Assumptions:        task.Assumptions,
		Clarifications:     strings.TrimSpace(clarifications),
		ModeInstructions:   autonomousInstructions,
		OwnedPaths:         task.OwnedPaths,
		EvidenceFile:       files.Evidence,
	}
	if st.Mode.Attended {
		d.ModeInstructions = attendedInstructions
		d.ClarificationFile = files.Clarification
	}
	return d
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"bullets": func(items []string, empty string) string {
		if len(items) == 0 {
			return empty
		}
		lines := make([]string, len(items))
		for i, item := range items {
			lines[i] = "- " + item
		}
		return strings.Join(lines, "\n")
	},
}

var defaultTemplate = template.Must(template.New("task").Funcs(funcs).Parse(defaultTaskTmpl))

// Build renders the built-in task template.
func Build(d Data) (string, error) {
	return execute(defaultTemplate, d)
}

// BuildWith renders a caller-supplied template using the same helpers.
func BuildWith(tmpl string, d Data) (string, error) {
	t, err := template.New("task").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	return execute(t, d)
}

func execute(t *template.Template, d Data) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
