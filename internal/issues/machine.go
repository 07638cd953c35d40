// Package issues runs the reported issue state machine:
// reported -> fixing -> resolved, with failed as the abandon exit.
package issues

import (
	"errors"
	"fmt"

	"github.com/lalithlochan/marquee/internal/db"
)

// ErrInvalidTransition is returned when an issue cannot move to the requested state.
var ErrInvalidTransition = errors.New("invalid issue transition")

// transitions lists where each state may move. Resolved and failed are terminal
// for automation; reopen (back to reported) and manual resolve are the exits.
var transitions = map[string][]string{
	db.IssueReported: {db.IssueFixing, db.IssueResolved, db.IssueFailed},
	db.IssueFixing:   {db.IssueResolved, db.IssueFailed, db.IssueReported},
	db.IssueFailed:   {db.IssueResolved, db.IssueReported, db.IssueFixing},
	db.IssueResolved: {db.IssueReported},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sources returns every state that may move to `to`, for the guarded UPDATE.
func sources(to string) []string {
	var out []string
	for _, from := range []string{db.IssueReported, db.IssueFixing, db.IssueFailed, db.IssueResolved} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func invalid(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
