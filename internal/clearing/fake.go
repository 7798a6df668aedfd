package clearing

import (
	"context"
	"sync"
)

// FakeClient is an in-memory Client used by tests and the local demo
// entrypoint. It can be configured to fail specific verbs, or all
// calls, to exercise the circuit breaker and reversal queue without a
// real network endpoint.
type FakeClient struct {
	mu sync.Mutex

	FailPrepare bool
	FailCommit  bool
	FailAbort   bool
	// FailAllCalls makes every verb fail with a transport-style error,
	// independent of the per-verb flags, to simulate the remote being
	// entirely unreachable.
	FailAllCalls bool

	Calls []Call
}

// Call records one invocation for test assertions.
type Call struct {
	Verb Verb
	Req  Request
}

func (f *FakeClient) Call(_ context.Context, verb Verb, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, Call{Verb: verb, Req: req})

	if f.FailAllCalls {
		return Response{}, errTransport
	}

	var fail bool
	switch verb {
	case Prepare:
		fail = f.FailPrepare
	case Commit:
		fail = f.FailCommit
	case Abort:
		fail = f.FailAbort
	}
	if fail {
		return Response{OK: false, Error: "simulated failure"}, nil
	}
	return Response{OK: true, Status: string(verb) + "_ok"}, nil
}

type transportError string

func (e transportError) Error() string { return string(e) }

var errTransport = transportError("clearing remote unreachable")
