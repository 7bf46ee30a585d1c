package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const testConfig = `
scheduler:
  workers: 1
machine_modes:
  - { id: 1, name: production }
default_reasons:
  - { machine_mode: 1, observation_state: 1, reason: 20 }
`

// testRoot returns options pointing at a fresh database and configuration.
func testRoot(t *testing.T) *RootOptions {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pulse.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0644))
	return &RootOptions{
		Format:   "text",
		Database: filepath.Join(dir, "pulse.db"),
		Config:   cfgPath,
	}
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// seedTimeline observes machine 1 from midnight and applies a manual
// reason 40 over [00:10,00:20).
func seedTimeline(t *testing.T, opts *RootOptions) {
	t.Helper()
	_, err := execute(NewObserveCommand(opts),
		"--machine", "1", "--mode", "1", "--state", "1",
		"--begin", "2026-01-05T00:00:00Z", "--drain")
	require.NoError(t, err)

	out, err := execute(NewSubmitAssociationCommand(opts),
		"--machine", "1", "--kind", "manual", "--reason", "40",
		"--begin", "2026-01-05T00:10:00Z", "--end", "2026-01-05T00:20:00Z", "--drain")
	require.NoError(t, err)
	require.Equal(t, "machine/1/2 Done\n", out)
}
