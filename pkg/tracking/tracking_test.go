package tracking

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLogsHistory(t *testing.T) {
	dir := t.TempDir()
	run, err := NewRun("proj", "paired", dir, map[string]any{"batch_size": 16})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(run.Dir), "paired-"))
	assert.Equal(t, filepath.Join(dir, "proj"), filepath.Dir(run.Dir))

	require.NoError(t, run.Log(map[string]any{"loss": 2.5}))
	require.NoError(t, run.Log(map[string]any{"loss": 2.0, "learning_rate": 1e-5}))
	require.NoError(t, run.Close())
	require.NoError(t, run.Close())
	assert.Error(t, run.Log(map[string]any{"loss": 1.0}))

	raw, err := os.ReadFile(filepath.Join(run.Dir, RunFile))
	require.NoError(t, err)
	var info RunInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, run.Info.ID, info.ID)
	assert.Equal(t, "proj", info.Project)
	assert.EqualValues(t, 16, info.Config["batch_size"])

	f, err := os.Open(filepath.Join(run.Dir, HistoryFile))
	require.NoError(t, err)
	defer f.Close()
	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.EqualValues(t, 0, records[0]["_step"])
	assert.EqualValues(t, 1, records[1]["_step"])
	assert.EqualValues(t, 2.5, records[0]["loss"])
	assert.EqualValues(t, 1e-5, records[1]["learning_rate"])
	assert.Equal(t, info.ID, records[0]["run"])
	assert.Contains(t, records[0], "time")
}

func TestNopTracker(t *testing.T) {
	var tr Tracker = Nop{}
	assert.NoError(t, tr.Log(map[string]any{"loss": 1}))
	assert.NoError(t, tr.Close())
}

func TestTrainingLogAppendsEpochs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := NewTrainingLog(dir)
	require.NoError(t, err)
	require.NoError(t, log.Epoch(1, 2.5, 2.25, map[string]any{"accuracy": 0.5}))
	require.NoError(t, log.Epoch(2, 2, 1.5, map[string]any{"accuracy": 0.75}))

	raw, err := os.ReadFile(log.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Epoch 1, Avg Training Loss: 2.5", lines[0])
	assert.Equal(t, "Epoch 1, Avg Evaluation Loss: 2.25", lines[1])
	assert.Equal(t, "Evaluation Metrics: map[accuracy:0.5]", lines[2])
	assert.Equal(t, "Epoch 2, Avg Evaluation Loss: 1.5", lines[4])
}
