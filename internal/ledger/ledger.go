// Package ledger keeps the append-only audit trail of evaluation attempts: a
// CSV file with one row per run, mirrored into a SQLite index for queries.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/logging"
	"github.com/copyleftdev/hydrocal/internal/optimization"
)

// ObjectiveColumns are the trailing header columns.
var ObjectiveColumns = []string{"1-KGE", "1-LogKGE", "RMSE"}

// TimestampLayout formats the Timestamp column.
const TimestampLayout = time.RFC3339

// RunRecord is one evaluation attempt. Failed runs carry the sentinel
// objectives; Stage and Reason say where and why they failed.
type RunRecord struct {
	RunID      string
	Timestamp  time.Time
	Parameters []float64
	Objectives optimization.ObjectiveVector
	Failed     bool
	Stage      string
	Reason     string
}

// Header returns the ledger header for the given parameter names.
func Header(names []string) []string {
	h := make([]string, 0, len(names)+2+len(ObjectiveColumns))
	h = append(h, "Timestamp", "Run_ID")
	h = append(h, names...)
	return append(h, ObjectiveColumns...)
}

// Ledger appends RunRecords to a CSV file. Appends from concurrent workers
// are serialized by one mutex and each row is synced before Append returns.
type Ledger struct {
	mu     sync.Mutex
	file   *os.File
	names  []string
	index  *Index
	logger *logging.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIndex mirrors every appended record into idx.
func WithIndex(idx *Index) Option {
	return func(l *Ledger) { l.index = idx }
}

// WithLogger sets the logger used for swallowed write failures.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Open opens or creates the ledger at path. A new file gets the header; an
// existing file must carry exactly the same header, otherwise the vector
// ordering of the campaign would silently change.
func Open(path string, names []string, opts ...Option) (*Ledger, error) {
	want := Header(names)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "ledger", "Open", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apperr.E(apperr.KindConfiguration, "ledger", "Open", err)
	}

	if info.Size() == 0 {
		if err := writeRow(f, want); err != nil {
			f.Close()
			return nil, apperr.E(apperr.KindConfiguration, "ledger", "Open", err)
		}
	} else {
		got, err := csv.NewReader(bufio.NewReader(io.NewSectionReader(f, 0, info.Size()))).Read()
		if err != nil {
			f.Close()
			return nil, apperr.E(apperr.KindConfiguration, "ledger", "Open", err).
				WithMessage("reading existing header")
		}
		if !slices.Equal(got, want) {
			f.Close()
			return nil, apperr.Configuration("ledger",
				"%s has a different header; parameter order must not change within a campaign", path)
		}
	}

	l := &Ledger{file: f, names: append([]string(nil), names...), logger: logging.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithField("component", "ledger")
	return l, nil
}

// Append writes one record. Errors are logged and returned; callers are free
// to ignore them since a lost audit line must not stop a campaign.
func (l *Ledger) Append(rec RunRecord) error {
	row, err := l.encode(rec)
	if err != nil {
		return l.fail(rec, err)
	}

	l.mu.Lock()
	err = writeRow(l.file, row)
	if err == nil {
		err = l.file.Sync()
	}
	l.mu.Unlock()
	if err != nil {
		return l.fail(rec, err)
	}

	if l.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.index.Insert(ctx, rec); err != nil {
			l.logger.WithError(err).Warn("Failed to index run", map[string]interface{}{"run_id": rec.RunID})
		}
	}
	return nil
}

func (l *Ledger) fail(rec RunRecord, err error) error {
	e := apperr.E(apperr.KindLedger, "ledger", "Append", err)
	l.logger.WithError(e).Error("Failed to append run record", map[string]interface{}{"run_id": rec.RunID})
	return e
}

func (l *Ledger) encode(rec RunRecord) ([]string, error) {
	if len(rec.Parameters) != len(l.names) {
		return nil, fmt.Errorf("record has %d parameters, ledger has %d", len(rec.Parameters), len(l.names))
	}
	if len(rec.Objectives) != len(ObjectiveColumns) {
		return nil, fmt.Errorf("record has %d objectives, want %d", len(rec.Objectives), len(ObjectiveColumns))
	}

	row := make([]string, 0, 2+len(rec.Parameters)+len(rec.Objectives))
	row = append(row, rec.Timestamp.UTC().Format(TimestampLayout), rec.RunID)
	for _, v := range rec.Parameters {
		row = append(row, formatFloat(v))
	}
	for _, v := range rec.Objectives {
		row = append(row, formatFloat(v))
	}
	return row, nil
}

// Close closes the file. The index is owned by the caller.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// writeRow writes a full CSV row with a single Write call so a row is never
// split by another writer sharing the file.
func writeRow(w io.Writer, row []string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFile reads a ledger back. Failure status is inferred from sentinel
// objectives since the CSV carries no status column.
func ReadFile(path string) (names []string, records []RunRecord, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	cr := csv.NewReader(bufio.NewReader(f))
	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	nParams := len(header) - 2 - len(ObjectiveColumns)
	if nParams < 0 || header[0] != "Timestamp" || header[1] != "Run_ID" {
		return nil, nil, errors.New("not a run ledger")
	}
	names = header[2 : 2+nParams]
	cr.FieldsPerRecord = len(header)

	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := decodeRow(row, nParams)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return names, records, nil
}

func decodeRow(row []string, nParams int) (RunRecord, error) {
	ts, err := time.Parse(TimestampLayout, row[0])
	if err != nil {
		return RunRecord{}, err
	}
	values := make([]float64, len(row)-2)
	for i, s := range row[2:] {
		if values[i], err = strconv.ParseFloat(s, 64); err != nil {
			return RunRecord{}, err
		}
	}
	obj := optimization.ObjectiveVector(values[nParams:])
	return RunRecord{
		RunID:      row[1],
		Timestamp:  ts,
		Parameters: values[:nParams:nParams],
		Objectives: obj,
		Failed:     obj.IsSentinel(),
	}, nil
}
