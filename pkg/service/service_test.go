package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/orgsearch/tenant-index/pkg/service"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name    string
	log     *[]string
	openErr error
}

func (r *recorder) Open(ctx context.Context) error {
	if r.openErr != nil {
		return r.openErr
	}
	*r.log = append(*r.log, "open "+r.name)
	return nil
}

func (r *recorder) Close() error {
	*r.log = append(*r.log, "close "+r.name)
	return nil
}

func TestGroupOrdering(t *testing.T) {
	var log []string
	g := service.Group{&recorder{name: "a", log: &log}, &recorder{name: "b", log: &log}}

	require.NoError(t, g.Open(context.Background()))
	require.NoError(t, g.Close())
	require.Equal(t, []string{"open a", "open b", "close b", "close a"}, log)
}

func TestGroupOpenFailureClosesOpened(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	g := service.Group{
		&recorder{name: "a", log: &log},
		&recorder{name: "b", log: &log, openErr: boom},
		&recorder{name: "c", log: &log},
	}

	err := g.Open(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"open a", "close a"}, log)
}
