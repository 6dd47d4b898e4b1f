package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// DirSource reads user snapshots from a directory of JSON files, one
// file per user named <user_id>.json. This is the offline path used by
// the compute subcommand and by batch runs against exported data.
type DirSource struct {
	dir string
}

// NewDirSource creates a source over the given snapshot directory
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Name identifies the backend for logs, metrics, and rate limiting
func (s *DirSource) Name() string {
	return "snapshotdir"
}

// ListUsers returns the IDs of all users with history in the source
func (s *DirSource) ListUsers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var users []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		users = append(users, strings.TrimSuffix(entry.Name(), ".json"))
	}

	sort.Strings(users)
	return users, nil
}

// FetchSnapshot loads one user's series and lab panel
func (s *DirSource) FetchSnapshot(ctx context.Context, userID string) (*UserSnapshot, error) {
	path := filepath.Join(s.dir, userID+".json")

	snapshot, err := LoadSnapshotFile(path)
	if err != nil {
		return nil, err
	}

	if snapshot.UserID == "" {
		snapshot.UserID = userID
	}
	return snapshot, nil
}

// LoadSnapshotFile reads a single user snapshot from a JSON file
func LoadSnapshotFile(path string) (*UserSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snapshot UserSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot JSON: %w", err)
	}

	if snapshot.AsOf.IsZero() {
		snapshot.AsOf = latestPointDate(snapshot.Series)
	}
	return &snapshot, nil
}

// latestPointDate finds the newest reading across all series, used as
// the as-of date when the snapshot file does not carry one
func latestPointDate(series map[string]domain.MetricSeries) time.Time {
	var latest time.Time
	for _, s := range series {
		if len(s) == 0 {
			continue
		}
		last := s[len(s)-1].Date
		if last.After(latest) {
			latest = last
		}
	}
	return latest
}

// DirSink writes one result JSON file per user into an output
// directory, pretty-printed for human review.
type DirSink struct {
	dir string
}

// NewDirSink creates a sink over the given output directory
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

// Name identifies the backend for logs and metrics
func (s *DirSink) Name() string {
	return "resultdir"
}

// savedResult is the artifact shape written per user
type savedResult struct {
	UserID        string                `json:"user_id"`
	AsOf          time.Time             `json:"as_of"`
	ModelVersion  string                `json:"model_version"`
	ComputeTimeMS int64                 `json:"compute_time_ms"`
	Result        domain.VelocityResult `json:"result"`
}

// SaveResult records the outcome of one user's computation
func (s *DirSink) SaveResult(ctx context.Context, snapshot *UserSnapshot, result domain.VelocityResult, computeTime time.Duration) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}

	artifact := savedResult{
		UserID:        snapshot.UserID,
		AsOf:          snapshot.AsOf,
		ModelVersion:  domain.ModelVersion,
		ComputeTimeMS: computeTime.Milliseconds(),
		Result:        result,
	}

	path := filepath.Join(s.dir, snapshot.UserID+".json")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(artifact); err != nil {
		return fmt.Errorf("failed to encode result JSON: %w", err)
	}

	return nil
}
