package transfer

import (
	"fmt"
	"strings"
)

// ItemError is one failed item of a batch. It never aborts the batch.
type ItemError struct {
	Item string
	Err  error
}

func (e ItemError) Error() string { return e.Item + ": " + e.Err.Error() }

func (e ItemError) Unwrap() error { return e.Err }

// BatchResult is produced once per batch call. Both lists keep input order.
type BatchResult struct {
	Succeeded []string
	Failed    []ItemError
}

func (r BatchResult) OK() bool { return len(r.Failed) == 0 }

// Total is the number of items the batch processed.
func (r BatchResult) Total() int { return len(r.Succeeded) + len(r.Failed) }

// FailedNames lists the failed items in input order.
func (r BatchResult) FailedNames() []string {
	out := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Item)
	}
	return out
}

// Summary renders the human-readable aggregate, e.g.
// "Transfer to NAS: 2 succeeded / 1 failed\nErrors: exp2: local path does not exist".
func (r BatchResult) Summary(what string) string {
	if r.OK() {
		return fmt.Sprintf("%s: %d succeeded", what, len(r.Succeeded))
	}
	msgs := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%s: %d succeeded / %d failed\nErrors: %s",
		what, len(r.Succeeded), len(r.Failed), strings.Join(msgs, "; "))
}

func (r *BatchResult) succeed(item string) { r.Succeeded = append(r.Succeeded, item) }

func (r *BatchResult) fail(item string, err error) {
	r.Failed = append(r.Failed, ItemError{Item: item, Err: err})
}
