// Package tracking records training runs: a JSON-lines history per run and
// the plain text training log.
package tracking

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// HistoryFile holds one JSON object per Log call.
	HistoryFile = "history.jsonl"
	// RunFile describes the run.
	RunFile = "run.json"
)

// Tracker receives metrics during training.
type Tracker interface {
	Log(fields map[string]any) error
	Close() error
}

// Nop is a tracker that drops everything.
type Nop struct{}

// Log does nothing.
func (Nop) Log(map[string]any) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// RunInfo is written to run.json when a run starts.
type RunInfo struct {
	ID        string         `json:"id"`
	Project   string         `json:"project"`
	Name      string         `json:"name"`
	StartedAt time.Time      `json:"started_at"`
	Config    map[string]any `json:"config,omitempty"`
}

// Run is a tracked run stored under <dir>/<project>/<name>-<id>.
type Run struct {
	Info RunInfo
	Dir  string

	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
	step   int
}

var _ Tracker = (*Run)(nil)

// NewRun creates the run directory and opens its history.
func NewRun(project, name, dir string, config map[string]any) (*Run, error) {
	id := uuid.New()
	runDir := filepath.Join(dir, project, fmt.Sprintf("%s-%s", name, id.String()[:8]))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	info := RunInfo{
		ID:        id.String(),
		Project:   project,
		Name:      name,
		StartedAt: time.Now().UTC(),
		Config:    config,
	}
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode run info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, RunFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write run info: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(runDir, HistoryFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return &Run{
		Info:   info,
		Dir:    runDir,
		file:   f,
		logger: zerolog.New(f).With().Timestamp().Str("run", info.ID).Logger(),
	}, nil
}

// Log appends fields to the history as one record with an increasing _step.
func (r *Run) Log(fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("run %s is closed", r.Info.ID)
	}
	r.logger.Log().Int("_step", r.step).Fields(fields).Send()
	r.step++
	return nil
}

// Close closes the history.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// TrainingLog appends the per-epoch summary lines to training_log.txt.
type TrainingLog struct {
	Path string
}

// NewTrainingLog returns the log inside dir, creating dir.
func NewTrainingLog(dir string) (*TrainingLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logging directory: %w", err)
	}
	return &TrainingLog{Path: filepath.Join(dir, "training_log.txt")}, nil
}

// Epoch appends the summary of one epoch.
func (l *TrainingLog) Epoch(epoch int, trainLoss, evalLoss float64, metrics map[string]any) error {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open training log: %w", err)
	}
	_, err = fmt.Fprintf(f, "Epoch %d, Avg Training Loss: %v\nEpoch %d, Avg Evaluation Loss: %v\nEvaluation Metrics: %v\n",
		epoch, trainLoss, epoch, evalLoss, metrics)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
