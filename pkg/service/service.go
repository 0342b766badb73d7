package service

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

type Component interface {
	Open(ctx context.Context) error
	Close() error
}

// Group opens components in order and closes them in reverse.  If one fails to open, the ones already opened
// are closed before the error is returned.
type Group []Component

func (g Group) Open(ctx context.Context) error {
	for i, c := range g {
		if err := c.Open(ctx); err != nil {
			return multierr.Append(fmt.Errorf("open component %d: %w", i, err), g[:i].Close())
		}
	}
	return nil
}

func (g Group) Close() error {
	var err error
	for i := len(g) - 1; i >= 0; i-- {
		err = multierr.Append(err, g[i].Close())
	}
	return err
}
