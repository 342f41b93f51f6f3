package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"flowpilot/shared"
	"flowpilot/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	chdir(t, t.TempDir())
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "expense.yaml")
	bad := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(good, []byte(workflow.SampleApprovalDefinitionYAML()), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("id: broken\nnodes: []\n"), 0o644))

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good+" (expense-approval@1, 5 nodes, 4 edges)")

	out, err = execute(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL "+bad)
	assert.EqualError(t, err, "1 of 2 definitions are invalid")
}

func TestRunCommand_SampleApproval(t *testing.T) {
	for decision, end := range map[string]string{"approved": "approved", "rejected": "rejected"} {
		t.Run(decision, func(t *testing.T) {
			out, err := execute(t, "run", "--user", "alice", "--data", `{"amount": 75}`, "--decision", decision)
			require.NoError(t, err)

			var snap shared.InstanceSnapshot
			require.NoError(t, json.Unmarshal([]byte(out), &snap))
			assert.Equal(t, shared.InstanceCompleted, snap.Status)
			assert.Equal(t, []string{end}, snap.CurrentNodeIDs)
			assert.Equal(t, "alice", snap.StartedBy)
			assert.EqualValues(t, 75, snap.Data["amount"])
		})
	}
}

func TestRunCommand_InvalidData(t *testing.T) {
	_, err := execute(t, "run", "--data", "not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --data")
}

func TestRootCommand_RejectsBadConfig(t *testing.T) {
	t.Setenv("FLOWPILOT_STORE_DRIVER", "mongo")
	_, err := execute(t, "validate", "x.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store driver "mongo"`)
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
