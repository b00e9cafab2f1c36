// Package cli validates the host-side tools the bridge depends on.
package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

// Prerequisite is a binary the bridge or the agent runtime expects on PATH.
type Prerequisite struct {
	Name        string
	Required    bool
	Description string
	InstallURL  string
}

// DefaultPrerequisites returns the tools a working bridge install needs.
// Node hosts the agent runtime; git is only needed once the agent starts
// using version-control tools inside the workspace.
func DefaultPrerequisites() []Prerequisite {
	return []Prerequisite{
		{
			Name:        "node",
			Required:    true,
			Description: "Node.js runtime (hosts the agent)",
			InstallURL:  "https://nodejs.org/en/download",
		},
		{
			Name:        "git",
			Required:    false,
			Description: "Git version control (optional, for agent VCS tools)",
			InstallURL:  "https://git-scm.com/downloads",
		},
		{
			Name:        "rg",
			Required:    false,
			Description: "ripgrep (optional, speeds up agent search tools)",
			InstallURL:  "https://github.com/BurntSushi/ripgrep",
		},
	}
}

// CheckResult is the outcome of probing one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string
	Version      string
	Err          error
}

// Check probes PATH for a single tool.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Err = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = probeVersion(prereq.Name)
	return result
}

// CheckAll probes every prerequisite.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired returns an error naming every missing required tool.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if result := Check(prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

func probeVersion(name string) string {
	output, err := exec.Command(name, "--version").Output()
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults renders check results for terminal display.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Bridge prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		switch {
		case r.Found && r.Version != "":
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		case !r.Found && r.Prerequisite.Required:
			sb.WriteString(" [REQUIRED]")
		case !r.Found:
			sb.WriteString(" [optional]")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
