package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_TwoPeerConvergence(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/two_peer_convergence.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRunWithGolden_HotReloadRestore(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/hot_reload_restore.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestTraceSnapshot_MarshalIsStable(t *testing.T) {
	result := NewResult()
	result.addTrace(TraceEvent{Seq: 1, Op: OpPull, Peer: "b", Scene: "s", Into: "a", Ack: &AckView{Applied: 1}})
	result.State["b"] = map[string][]RecordView{"s": {}, "r": {{Entity: 1, Component: 2, Timestamp: 1, Payload: "<&>"}}}
	result.State["a"] = map[string][]RecordView{}

	data, err := NewTraceSnapshot("stable", result).Marshal()
	require.NoError(t, err)

	want := `{
  "scenario_name": "stable",
  "trace": [
    {
      "seq": 1,
      "op": "pull",
      "peer": "b",
      "scene": "s",
      "into": "a",
      "ack": {
        "applied": 1,
        "stale": 0,
        "skipped": 0,
        "dropped": 0
      }
    }
  ],
  "state": {
    "a": {},
    "b": {
      "r": [
        {
          "entity": 1,
          "component": 2,
          "timestamp": 1,
          "payload": "<&>"
        }
      ],
      "s": []
    }
  }
}
`
	assert.Equal(t, want, string(data))
}

func TestRunFile_GoldenLifecycle(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile("testdata/scenarios/hot_reload_restore.yaml")
	require.NoError(t, err)
	path := writeScenario(t, dir, "reload.yaml", string(src))

	out := RunFile(path, SuiteOptions{})
	assert.True(t, out.Pass, out.Errors)
	assert.Equal(t, "missing", out.Golden)
	assert.Equal(t, "hot_reload_restore", out.Name)

	out = RunFile(path, SuiteOptions{Update: true})
	assert.True(t, out.Pass, out.Errors)
	assert.Equal(t, "updated", out.Golden)

	// The regenerated file is byte-identical to the checked-in fixture.
	written, err := os.ReadFile(GoldenPath(path))
	require.NoError(t, err)
	fixture, err := os.ReadFile("testdata/golden/hot_reload_restore.golden")
	require.NoError(t, err)
	assert.Equal(t, string(fixture), string(written))

	out = RunFile(path, SuiteOptions{})
	assert.True(t, out.Pass, out.Errors)
	assert.Equal(t, "match", out.Golden)

	require.NoError(t, os.WriteFile(GoldenPath(path), []byte("{}\n"), 0o644))
	out = RunFile(path, SuiteOptions{})
	assert.False(t, out.Pass)
	assert.Equal(t, "mismatch", out.Golden)
}

func TestRunFile_LoadError(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "broken.yaml", "name: [unterminated\n")
	out := RunFile(path, SuiteOptions{})
	assert.False(t, out.Pass)
	assert.Equal(t, "broken.yaml", out.Name)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "failed to load scenario")
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt", "golden/a.yaml", "nested/c.yaml"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "nested", "c.yaml"),
	}, files)

	files, err = FindScenarios(dir, "[ab]")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)
}
