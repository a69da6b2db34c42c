//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrLocalNotAvailable is returned when the local provider is requested in
// a binary built without CGO support.
var ErrLocalNotAvailable = errors.New("local embeddings not available (built without cgo, use the openai provider)")

type localProvider struct{}

func newLocalProvider(_ Config, _ *Metrics) (*localProvider, error) {
	return nil, ErrLocalNotAvailable
}

func (p *localProvider) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrLocalNotAvailable
}

func (p *localProvider) Model() string {
	return ""
}

func (p *localProvider) Close() error {
	return nil
}
