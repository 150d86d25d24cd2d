package prometheus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poolprometheus "github.com/kalbasit/poolrefcnt/pkg/prometheus"
)

func TestNewReader(t *testing.T) {
	t.Parallel()

	registry, reader, err := poolprometheus.NewReader()
	require.NoError(t, err)
	assert.NotNil(t, registry)
	assert.NotNil(t, reader)

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	assert.Empty(t, metricFamilies, "a fresh registry with no recorded metrics gathers nothing")
}
