package ingest

import (
	"fmt"
	"strings"
)

// CredentialChecker reports whether a user has execution credentials on
// file. Satisfied by *store.Store.
type CredentialChecker interface {
	CredentialsExist(userID string) (bool, error)
}

// Registry reports whether a target repository is pre-configured.
type Registry interface {
	IsConfigured(repository string) bool
}

// ValidationResult collects every validation error for a ticket so they can
// be reported to the user in a single comment.
type ValidationResult struct {
	Errors []string
}

func (v ValidationResult) Valid() bool { return len(v.Errors) == 0 }

// Message renders the combined validation failure message recorded on job
// runs.
func (v ValidationResult) Message() string {
	return "Validation failed: " + strings.Join(v.Errors, "; ")
}

// ticketData is a parsed ticket plus the target used for the repository
// check (the first target to be processed).
type ticketData struct {
	TicketKey     string
	Summary       string
	Description   string
	AssigneeEmail string
	Target        *Target // nil when the ticket carries no target label
}

// validateTicket runs the ticket-level checks: a target-repository label
// that is pre-configured or carries an inline ref, an assignee, and
// execution credentials for the assignee. The returned error indicates a
// failure to perform the checks, not an invalid ticket.
func validateTicket(t ticketData, reg Registry, creds CredentialChecker) (ValidationResult, error) {
	var result ValidationResult

	if t.Target == nil {
		result.Errors = append(result.Errors,
			"Missing repository label. Please add a label in the format: target:<org>/<repo>")
	} else if !reg.IsConfigured(t.Target.Repository) && t.Target.Ref == "" {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"Repository %s is not pre-configured. Use target:<org>/<repo>@<ref> to specify a branch explicitly.",
			t.Target.Repository))
	}

	if t.AssigneeEmail == "" {
		result.Errors = append(result.Errors, "No assignee set. Please assign this ticket to a user.")
	} else {
		exists, err := creds.CredentialsExist(t.AssigneeEmail)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("checking credentials for %s: %w", t.AssigneeEmail, err)
		}
		if !exists {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"Assignee (%s) does not have credentials configured. Please register your API key before using dispatch-bot.",
				t.AssigneeEmail))
		}
	}

	return result, nil
}
