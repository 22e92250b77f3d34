// Package comment renders the tracker comments dispatch posts for terminal
// and validation outcomes. Panels use border-only styling so they stay
// readable in dark mode.
package comment

import (
	"fmt"
	"strings"
)

type panelConfig struct {
	title       string
	borderColor string
	titleBG     string
	titleColor  string
}

var (
	errorPanel   = panelConfig{borderColor: "#DE350B", titleBG: "#DE350B", titleColor: "#FFFFFF"}
	successPanel = panelConfig{borderColor: "#00875A", titleBG: "#00875A", titleColor: "#FFFFFF"}
	infoPanel    = panelConfig{borderColor: "#0052CC", titleBG: "#0052CC", titleColor: "#FFFFFF"}
)

func panel(cfg panelConfig, title, content string) string {
	return fmt.Sprintf("{panel:title=%s|borderColor=%s|titleBGColor=%s|titleColor=%s}\n%s\n{panel}",
		title, cfg.borderColor, cfg.titleBG, cfg.titleColor, content)
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "* " + item
	}
	return strings.Join(lines, "\n")
}

// ValidationFailed is posted once per ticket when validation fails, listing
// every error together.
func ValidationFailed(errors []string) string {
	content := "The following issues must be resolved before dispatch-bot can process this ticket:\n\n" +
		bulletList(errors) +
		"\n\nPlease fix these issues and re-add the {{dispatch-bot}} label to retry."
	return panel(errorPanel, "Dispatch Bot Validation Failed", content)
}

// AgentLaunched is posted when an agent run starts. agentURL may be empty.
func AgentLaunched(repository, agentURL string) string {
	content := fmt.Sprintf("An agent has been launched for {{%s}} and is working on this ticket.", repository)
	if agentURL != "" {
		content += fmt.Sprintf("\n\nFollow along: [%s|%s]", agentURL, agentURL)
	}
	return panel(infoPanel, "Dispatch Bot Agent Launched", content)
}

// AgentLaunchFailed is posted when the launcher reports a failure.
func AgentLaunchFailed(reason string) string {
	content := "The agent could not be launched:\n\n" + reason +
		"\n\nRe-add the {{dispatch-bot}} label to retry."
	return panel(errorPanel, "Dispatch Bot Launch Failed", content)
}

// AgentCompleted is posted when an agent run finishes. prURL and summary may
// be empty.
func AgentCompleted(prURL, summary string) string {
	content := "The agent has finished working on this ticket."
	if prURL != "" {
		content += fmt.Sprintf("\n\nPull request: [%s|%s]", prURL, prURL)
	}
	if summary != "" {
		content += "\n\nSummary:\n" + summary
	}
	return panel(successPanel, "Dispatch Bot Completed", content)
}

// AgentFailed is posted when the agent reports an error.
func AgentFailed(reason string) string {
	content := reason + "\n\nRe-add the {{dispatch-bot}} label to retry."
	return panel(errorPanel, "Dispatch Bot Failed", content)
}

// AgentExpired is posted when the agent session expired before finishing.
func AgentExpired() string {
	content := "The agent session expired before the work was finished.\n\n" +
		"Re-add the {{dispatch-bot}} label to retry."
	return panel(errorPanel, "Dispatch Bot Session Expired", content)
}

// AgentTimedOut is posted when a job run exceeds its TTL.
func AgentTimedOut() string {
	content := "The agent exceeded the maximum allowed runtime and the job was marked as timed out.\n\n" +
		"Re-add the {{dispatch-bot}} label to retry."
	return panel(errorPanel, "Dispatch Bot Timed Out", content)
}
