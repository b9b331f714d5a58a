package fcmhttp

import (
	"encoding/json"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// Aggregate accumulates per-token outcomes across several backend calls into
// one Result. FailedTokens keeps input order.
type Aggregate struct {
	responses   []json.RawMessage
	succeeded   int
	failed      []string
	lastFailure *dispatch.Result
}

func NewAggregate() *Aggregate {
	return &Aggregate{}
}

// Record keeps a backend body for the final Result.
func (a *Aggregate) Record(raw []byte) {
	if len(raw) > 0 && json.Valid(raw) {
		a.responses = append(a.responses, json.RawMessage(raw))
	}
}

func (a *Aggregate) Delivered() {
	a.succeeded++
}

func (a *Aggregate) Failed(token string) {
	a.failed = append(a.failed, token)
}

// FailAll marks every token of a call as failed, keeping the call's failure.
func (a *Aggregate) FailAll(tokens []string, failure dispatch.Result) {
	a.failed = append(a.failed, tokens...)
	f := failure
	a.lastFailure = &f
	if len(f.Response) > 0 {
		a.responses = append(a.responses, f.Response)
	}
}

// Result folds the accumulated outcomes. One recorded response is returned
// unchanged; several are returned as a JSON array in call order.
func (a *Aggregate) Result() dispatch.Result {
	res := dispatch.Result{
		SuccessCount: a.succeeded,
		FailureCount: len(a.failed),
		FailedTokens: a.failed,
	}
	switch len(a.responses) {
	case 0:
	case 1:
		res.Response = a.responses[0]
	default:
		if raw, err := json.Marshal(a.responses); err == nil {
			res.Response = raw
		}
	}

	if len(a.failed) == 0 {
		res.Success = true
		return res
	}

	res.Kind = dispatch.KindBackend
	res.Message = "some registration tokens failed"
	if a.lastFailure != nil {
		res.Kind = a.lastFailure.Kind
		res.Message = a.lastFailure.Message
		res.RawBody = a.lastFailure.RawBody
	}
	return res
}
