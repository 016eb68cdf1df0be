package batch

import (
	"github.com/rdittrich/scrapekit/pkg/scrape"
)

// Result collects the outcome of a gather call. Responses preserves
// input order: slot i corresponds to request i, and the length is fixed
// when the gather starts. Every index is either filled with a response,
// recorded in Errors, or skipped (stop-on-error / cancellation before it
// started) — never more than one of these.
type Result struct {
	Responses []*scrape.Response
	Errors    map[int]error
}

func newResult(n int) *Result {
	return &Result{
		Responses: make([]*scrape.Response, n),
		Errors:    make(map[int]error),
	}
}

// SuccessCount returns the number of filled response slots.
func (r *Result) SuccessCount() int {
	n := 0
	for _, resp := range r.Responses {
		if resp != nil {
			n++
		}
	}
	return n
}

// FailureCount returns the number of recorded errors.
func (r *Result) FailureCount() int {
	return len(r.Errors)
}

// AllSucceeded reports whether no item failed.
func (r *Result) AllSucceeded() bool {
	return len(r.Errors) == 0
}

// FirstError returns the recorded error with the lowest index, or nil
// when every item succeeded.
func (r *Result) FirstError() error {
	first := -1
	for idx := range r.Errors {
		if first == -1 || idx < first {
			first = idx
		}
	}
	if first == -1 {
		return nil
	}
	return r.Errors[first]
}
