package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/logging"
	"github.com/copyleftdev/hydrocal/internal/optimization"
)

var names = []string{
	"VegetationDetails [ID:1, Grass] - Canopy storage capacity (mm)",
	"SoilProperties [ID:1] - Saturated Conductivity (m/day)",
}

func record(id string, x []float64, obj optimization.ObjectiveVector) RunRecord {
	return RunRecord{
		RunID:      id,
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Parameters: x,
		Objectives: obj,
		Failed:     obj.IsSentinel(),
	}
}

func TestOpenWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	l, err := Open(path, names)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"Timestamp", "Run_ID", names[0], names[1], "1-KGE", "1-LogKGE", "RMSE"}, header)
}

func TestReopenAppendsAndChecksHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	l, err := Open(path, names)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("aaa", []float64{1, 2}, optimization.ObjectiveVector{0.1, 0.2, 3})))
	require.NoError(t, l.Close())

	l, err = Open(path, names)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("bbb", []float64{1.5, 2.5}, optimization.Sentinel())))
	require.NoError(t, l.Close())

	gotNames, recs, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, names, gotNames)
	require.Len(t, recs, 2)
	assert.Equal(t, "aaa", recs[0].RunID)
	assert.Equal(t, []float64{1, 2}, recs[0].Parameters)
	assert.Equal(t, optimization.ObjectiveVector{0.1, 0.2, 3}, recs[0].Objectives)
	assert.False(t, recs[0].Failed)
	assert.True(t, recs[1].Failed)

	_, err = Open(path, []string{names[1], names[0]})
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
}

func TestAppendRejectsWrongShape(t *testing.T) {
	var buf bytes.Buffer
	l, err := Open(filepath.Join(t.TempDir(), "results.csv"), names,
		WithLogger(logging.New(logging.DebugLevel, &buf)))
	require.NoError(t, err)
	defer l.Close()

	err = l.Append(record("short", []float64{1}, optimization.ObjectiveVector{0, 0, 0}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindLedger, apperr.KindOf(err))
	assert.Contains(t, buf.String(), "Failed to append run record")
}

func TestAppendAfterCloseIsLoggedNotPanicking(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "results.csv"), names)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	err = l.Append(record("late", []float64{1, 2}, optimization.Sentinel()))
	assert.Equal(t, apperr.KindLedger, apperr.KindOf(err))
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	idx, err := OpenIndex(":memory:")
	require.NoError(t, err)
	defer idx.Close()

	l, err := Open(path, names, WithIndex(idx))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Append(record(fmt.Sprintf("run-%02d", i),
				[]float64{float64(i), float64(i) / 7}, optimization.ObjectiveVector{float64(i), 1, 2})))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	_, recs, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, recs, 50)
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.RunID] = true
	}
	assert.Len(t, seen, 50)

	total, failed, err := idx.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, total)
	assert.Equal(t, 0, failed)
}

func TestIndexBest(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer idx.Close()

	failed := record("zzz", []float64{9, 9}, optimization.Sentinel())
	failed.Stage, failed.Reason = "simulate", "exit status 3"

	require.NoError(t, idx.Import(ctx, []RunRecord{
		record("a", []float64{1, 1}, optimization.ObjectiveVector{0.5, 0.1, 4}),
		record("b", []float64{2, 2}, optimization.ObjectiveVector{0.2, 0.3, 2}),
		record("c", []float64{3, 3}, optimization.ObjectiveVector{0.3, 0.2, 1}),
		failed,
	}))

	best, err := idx.Best(ctx, ObjectiveKGE, 2)
	require.NoError(t, err)
	require.Len(t, best, 2)
	assert.Equal(t, "b", best[0].RunID)
	assert.Equal(t, "c", best[1].RunID)
	assert.Equal(t, []float64{2, 2}, best[0].Parameters)

	best, err = idx.Best(ctx, ObjectiveFDCRMSE, 0)
	require.NoError(t, err)
	require.Len(t, best, 3)
	assert.Equal(t, "c", best[0].RunID)

	total, nFailed, err := idx.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 1, nFailed)

	// Re-import replaces rather than duplicates.
	require.NoError(t, idx.Insert(ctx, record("a", []float64{1, 1}, optimization.ObjectiveVector{0.01, 0.1, 4})))
	best, err = idx.Best(ctx, ObjectiveKGE, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", best[0].RunID)
	total, _, err = idx.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestImportKeepsIndexedFailureDetail(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer idx.Close()

	failed := record("f1", []float64{9, 9}, optimization.Sentinel())
	failed.Stage, failed.Reason = "simulate", "exit status 139"
	require.NoError(t, idx.Insert(ctx, failed))

	// As read back from the CSV ledger: no stage or reason.
	fromCSV := record("f1", []float64{9, 9}, optimization.Sentinel())
	require.NoError(t, idx.Import(ctx, []RunRecord{
		fromCSV,
		record("ok", []float64{1, 1}, optimization.ObjectiveVector{0.1, 0.2, 0.3}),
	}))

	var stage, reason string
	require.NoError(t, idx.db.QueryRowContext(ctx,
		`SELECT stage, reason FROM runs WHERE run_id = ?`, "f1").Scan(&stage, &reason))
	assert.Equal(t, "simulate", stage)
	assert.Equal(t, "exit status 139", reason)

	total, nFailed, err := idx.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, nFailed)
}

func TestParseObjective(t *testing.T) {
	tests := []struct {
		in   string
		want Objective
	}{
		{"kge", ObjectiveKGE},
		{"logkge", ObjectiveLogKGE},
		{"rmse", ObjectiveFDCRMSE},
		{"1-LogKGE", ObjectiveLogKGE},
	}
	for _, tt := range tests {
		got, err := ParseObjective(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParseObjective("nse")
	assert.Error(t, err)
}
