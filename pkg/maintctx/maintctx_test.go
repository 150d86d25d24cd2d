package maintctx_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
)

func TestAddErrorAccumulates(t *testing.T) {
	t.Parallel()

	c := maintctx.New(context.Background())
	assert.False(t, c.HasErrors())

	c.AddError(maintctx.MissingPoolObject, "0/00", errors.New("boom"))
	c.AddError(maintctx.RenameFailed, "host1", errors.New("rename failed"))

	assert.True(t, c.HasErrors())
	assert.Equal(t, 2, c.ErrorCount())

	errs := c.Errors()
	assert.Equal(t, maintctx.MissingPoolObject, errs[0].Kind)
	assert.Equal(t, "0/00", errs[0].Scope)
}

func TestProgressDefaultsToNoop(t *testing.T) {
	t.Parallel()

	c := maintctx.New(context.Background())

	assert.NotPanics(t, func() {
		c.EmitPhase("scanning")
		c.EmitFileProgress("scanning", 1, 10)
	})
}

func TestProgressSinkIsCalled(t *testing.T) {
	t.Parallel()

	var got []string

	c := maintctx.New(context.Background())
	c.Progress = func(label string, _, _ int) { got = append(got, label) }

	c.EmitPhase("host:h1")
	c.EmitFileProgress("host:h1", 2, 5)

	assert.Equal(t, []string{"host:h1", "host:h1"}, got)
}
