package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapcrawler/tapcrawler/internal/learner"
)

func TestLedger_Runs(t *testing.T) {
	l := openLedger(t, t.TempDir())

	require.NoError(t, l.StartRun("run-1"))
	require.NoError(t, l.StartRun("run-2"))
	require.NoError(t, l.FinishRun("run-1", RunStatusCompleted))
	assert.Error(t, l.StartRun("run-1"), "run IDs are unique")

	runs, err := l.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, RunStatusRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, RunStatusCompleted, runs[1].Status)
	assert.NotNil(t, runs[1].FinishedAt)

	runs, err = l.Runs(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestLedger_Completions(t *testing.T) {
	l := openLedger(t, t.TempDir())

	added, err := l.RecordCompletion("run-1", 3, 1)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = l.RecordCompletion("run-2", 3, 1)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = l.RecordCompletion("run-1", 3, 0)
	require.NoError(t, err)
	_, err = l.RecordCompletion("run-1", 4, 0)
	require.NoError(t, err)

	completions, err := l.Completions(3)
	require.NoError(t, err)
	require.Len(t, completions, 2)
	assert.Equal(t, 0, completions[0].AgentID)
	assert.Equal(t, 1, completions[1].AgentID)
	assert.Equal(t, "run-1", completions[1].RunID)
	assert.False(t, completions[1].CreatedAt.IsZero())

	completions, err = l.Completions(9)
	require.NoError(t, err)
	assert.Empty(t, completions)
}

func TestLedger_Trainings(t *testing.T) {
	l := openLedger(t, t.TempDir())

	require.NoError(t, l.RecordTraining("run-1", learner.Result{Version: 1, Reason: "insufficient signal"}))
	require.NoError(t, l.RecordTraining("run-1", learner.Result{
		Version: 2, Trained: true, TotalSize: 40, TrainingSize: 60, Steps: 3, Duration: 1500 * time.Millisecond,
	}))
	// retraining a version replaces its record
	require.NoError(t, l.RecordTraining("run-2", learner.Result{Version: 1, Trained: true, TotalSize: 8, TrainingSize: 8, Steps: 1}))

	trainings, err := l.Trainings()
	require.NoError(t, err)
	require.Len(t, trainings, 2)

	assert.Equal(t, 2, trainings[0].Version)
	assert.True(t, trainings[0].Trained)
	assert.Equal(t, 60, trainings[0].TrainingSize)
	assert.Equal(t, 1500*time.Millisecond, trainings[0].Duration)

	assert.Equal(t, 1, trainings[1].Version)
	assert.Equal(t, "run-2", trainings[1].RunID)
	assert.True(t, trainings[1].Trained)
	assert.Empty(t, trainings[1].Reason)
}

func TestLedger_Reopen(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLedger(dir)
	require.NoError(t, err)
	_, err = l.RecordCompletion("run-1", 1, 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openLedger(t, dir)
	completions, err := l.Completions(1)
	require.NoError(t, err)
	assert.Len(t, completions, 1)
}
