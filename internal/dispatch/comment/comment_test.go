package comment

import (
	"strings"
	"testing"
)

func TestValidationFailed(t *testing.T) {
	got := ValidationFailed([]string{"No assignee set.", "Missing repository label."})

	if !strings.HasPrefix(got, "{panel:title=Dispatch Bot Validation Failed") {
		t.Errorf("missing panel header: %q", got)
	}
	if !strings.Contains(got, "* No assignee set.") || !strings.Contains(got, "* Missing repository label.") {
		t.Errorf("errors not listed: %q", got)
	}
	if !strings.Contains(got, "{{dispatch-bot}}") {
		t.Error("retry instruction must mention the trigger label")
	}
	if !strings.HasSuffix(got, "{panel}") {
		t.Errorf("panel not closed: %q", got)
	}
}

func TestAgentLaunched(t *testing.T) {
	got := AgentLaunched("acme/api", "https://agents.example.com/a1")
	if !strings.Contains(got, "{{acme/api}}") {
		t.Errorf("repository not mentioned: %q", got)
	}
	if !strings.Contains(got, "[https://agents.example.com/a1|https://agents.example.com/a1]") {
		t.Errorf("agent URL not linked: %q", got)
	}

	// Link section is omitted when there is no URL.
	got = AgentLaunched("acme/api", "")
	if strings.Contains(got, "Follow along") {
		t.Errorf("unexpected link section: %q", got)
	}
}

func TestAgentCompleted(t *testing.T) {
	got := AgentCompleted("https://github.com/acme/api/pull/7", "Implemented the fix")
	if !strings.Contains(got, "[https://github.com/acme/api/pull/7|https://github.com/acme/api/pull/7]") {
		t.Errorf("PR not linked: %q", got)
	}
	if !strings.Contains(got, "Implemented the fix") {
		t.Errorf("summary missing: %q", got)
	}

	got = AgentCompleted("", "")
	if strings.Contains(got, "Pull request") || strings.Contains(got, "Summary") {
		t.Errorf("optional sections must be omitted: %q", got)
	}
}

func TestTerminalComments(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"launch failed", AgentLaunchFailed("quota exceeded"), "quota exceeded"},
		{"failed", AgentFailed("agent crashed"), "agent crashed"},
		{"expired", AgentExpired(), "session expired"},
		{"timed out", AgentTimedOut(), "maximum allowed runtime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.text, tt.want) {
				t.Errorf("missing %q in %q", tt.want, tt.text)
			}
			if !strings.Contains(tt.text, "{{dispatch-bot}}") {
				t.Error("retry instruction must mention the trigger label")
			}
		})
	}
}
