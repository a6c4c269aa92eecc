package schedule

import "fmt"

// CanTransition reports whether an entry with the given rule may move from
// one status to another.
//
//	pending   -> published | failed | cancelled | pending
//	published -> pending   (recurring only)
//	failed    -> pending   (recurring only)
//	cancelled -> (none)
//
// pending -> pending covers claims, backoff and user edits.
func CanTransition(rule RepeatRule, from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusPublished || to == StatusFailed || to == StatusCancelled
	case StatusPublished, StatusFailed:
		return rule.Recurring() && to == StatusPending
	default:
		return false
	}
}

// CheckTransition returns a ValidationError when CanTransition is false.
func CheckTransition(rule RepeatRule, from, to Status) error {
	if from == to && from != StatusPending {
		// Bookkeeping-only writes on a resolved entry (for example recording
		// the outcome of a publish that raced a cancel) keep the status.
		return nil
	}
	if !CanTransition(rule, from, to) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("transition %s -> %s not allowed for repeat rule %s", from, to, rule),
		}
	}
	return nil
}
