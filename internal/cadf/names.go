package cadf

import (
	"fmt"
	"strings"

	"github.com/mssola/useragent"
)

// Names resolves directory identifiers to display names. A miss is a normal
// outcome, not an error.
type Names interface {
	UserName(id string) (string, bool)
	ProjectName(id string) (string, bool)
}

// Fallback is the display form of an identifier that could not be resolved.
func Fallback(id string) string {
	return fmt.Sprintf("unknown (%s)", id)
}

// IsUserTarget reports whether the target refers to a user.
func (e *Event) IsUserTarget() bool {
	return strings.Contains(e.TargetType, "user")
}

// IsProjectTarget reports whether the target refers to a project.
func (e *Event) IsProjectTarget() bool {
	return strings.Contains(e.TargetType, "project")
}

// TargetResolved reports whether the target identifier has a directory entry.
func (e *Event) TargetResolved(names Names) bool {
	_, ok := e.targetName(names)
	return ok
}

// TargetName resolves the target by its type, user or project.
func (e *Event) TargetName(names Names) string {
	if name, ok := e.targetName(names); ok {
		return name
	}
	return Fallback(e.TargetID)
}

// targetName treats an entry with an empty name as unresolved.
func (e *Event) targetName(names Names) (string, bool) {
	var lookup func(string) (string, bool)
	switch {
	case e.IsUserTarget():
		lookup = names.UserName
	case e.IsProjectTarget():
		lookup = names.ProjectName
	default:
		return "", false
	}
	name, ok := lookup(e.TargetID)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// InitiatorName resolves the initiating user.
func (e *Event) InitiatorName(names Names) string {
	return resolve(names.UserName, e.InitiatorID)
}

// InitiatorProjectName resolves the project the initiator was scoped to.
func (e *Event) InitiatorProjectName(names Names) string {
	return resolve(names.ProjectName, e.InitiatorProjectID)
}

func resolve(lookup func(string) (string, bool), id string) string {
	if name, ok := lookup(id); ok && name != "" {
		return name
	}
	return Fallback(id)
}

// AgentName summarizes the initiator host agent, e.g. "Firefox 121.0 on Linux x86_64".
func (e *Event) AgentName() string {
	if e.InitiatorAgent == Unknown {
		return Unknown
	}
	ua := useragent.New(e.InitiatorAgent)
	name, version := ua.Browser()
	if name == "" {
		return e.InitiatorAgent
	}

	parts := []string{name}
	if version != "" {
		parts = append(parts, version)
	}
	if platform := ua.OS(); platform != "" {
		parts = append(parts, "on", platform)
	}
	return strings.Join(parts, " ")
}

// Describe renders the one-line summary shared by every event headline:
// "<target_type> <target_name> at <timestamp> by <initiator> (project: <project>)".
func Describe(e *Event, names Names) string {
	return fmt.Sprintf("%s %s at %s by %s (project: %s)",
		e.TargetType,
		e.TargetName(names),
		e.Timestamp,
		e.InitiatorName(names),
		e.InitiatorProjectName(names),
	)
}
