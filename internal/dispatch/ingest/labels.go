package ingest

import "regexp"

// targetLabelPattern matches target labels of the form target:<org>/<repo>
// or target:<org>/<repo>@<ref>. The ref may contain slashes, dots, and
// dashes (release branches, tags).
var targetLabelPattern = regexp.MustCompile(`^target:([a-zA-Z0-9_-]+/[a-zA-Z0-9_.-]+)(?:@([a-zA-Z0-9_.\-/]+))?$`)

// Target is one (repository, optional ref) pair a ticket requests work
// against.
type Target struct {
	Repository string
	Ref        string // empty means the repository's default branch
}

// ParseTargets extracts every target from the ticket's labels, in label
// order. Labels that do not match the grammar are ignored.
func ParseTargets(labels []string) []Target {
	var targets []Target
	for _, label := range labels {
		m := targetLabelPattern.FindStringSubmatch(label)
		if m == nil {
			continue
		}
		targets = append(targets, Target{Repository: m[1], Ref: m[2]})
	}
	return targets
}
