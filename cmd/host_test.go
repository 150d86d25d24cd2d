//nolint:testpackage
package cmd

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func noSources(string, string) cli.ValueSourceChain { return cli.NewValueSourceChain() }

// captureStdout redirects os.Stdout for the duration of fn and returns
// everything written to it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	orig := os.Stdout

	r, w, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = w

	fn()

	require.NoError(t, w.Close())

	os.Stdout = orig

	out, err := io.ReadAll(r)
	require.NoError(t, err)

	return string(out)
}

func TestRunHostEmitsFullProgressProtocol(t *testing.T) {
	top := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(top, "myhost"), 0o755))

	hc := hostCommand(noSources)

	var runErr error

	output := captureStdout(t, func() {
		runErr = hc.Run(context.Background(), []string{
			"host",
			"-h", "myhost",
			"--top-dir", top,
			"--pool-dir", filepath.Join(top, "pool"),
			"--cpool-dir", filepath.Join(top, "cpool"),
		})
	})

	require.NoError(t, runErr)

	lines := splitNonEmptyLines(output)
	require.NotEmpty(t, lines)

	assert.Equal(t, "xferPids "+strconv.Itoa(os.Getpid()), lines[0])
	assert.Equal(t, "xferPids", lines[len(lines)-2], "bare xferPids must appear right before the error summary")
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "total errors:"))

	assert.Contains(t, output, "__bpc_progress_state__ host:myhost")
}

func TestRunHostSuppressesProgressWithDashP(t *testing.T) {
	top := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(top, "myhost"), 0o755))

	hc := hostCommand(noSources)

	var runErr error

	output := captureStdout(t, func() {
		runErr = hc.Run(context.Background(), []string{
			"host",
			"-h", "myhost",
			"-p",
			"--top-dir", top,
			"--pool-dir", filepath.Join(top, "pool"),
			"--cpool-dir", filepath.Join(top, "cpool"),
		})
	})

	require.NoError(t, runErr)
	assert.NotContains(t, output, "xferPids")
	assert.NotContains(t, output, "__bpc_progress_state__")
}

func splitNonEmptyLines(s string) []string {
	var out []string

	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out = append(out, line)
		}
	}

	return out
}
