package mock

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/voice-panel/panel/internal/credential"
)

// Fetcher hands out a fixed credential, optionally failing every Nth call.
type Fetcher struct {
	Token     credential.Credential
	FailEvery int

	calls atomic.Int64
}

// Fetch returns Token, or an error wrapping credential.ErrUnavailable on
// every FailEvery-th call.
func (f *Fetcher) Fetch(ctx context.Context) (credential.Credential, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := f.calls.Add(1)
	if f.FailEvery > 0 && n%int64(f.FailEvery) == 0 {
		return "", errors.Join(credential.ErrUnavailable, errors.New("mock: scripted failure"))
	}
	if f.Token == "" {
		return "mock-token", nil
	}
	return f.Token, nil
}

// Calls returns how many times Fetch ran.
func (f *Fetcher) Calls() int {
	return int(f.calls.Load())
}
