package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"orthotiles/internal/common"
	"orthotiles/internal/downloads"
	"orthotiles/internal/tiles"
)

// Status represents the current status of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// CompositeResult describes one stitched image of a job
type CompositeResult struct {
	Rect        common.TileRect `json:"rect"`
	Path        string          `json:"path,omitempty"`
	SidecarPath string          `json:"sidecarPath,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Result aggregates what a job did. Individual tile and composite failures are
// listed here instead of failing the job.
type Result struct {
	Rect       common.TileRect   `json:"rect"`
	Download   downloads.Summary `json:"download"`
	Composites []CompositeResult `json:"composites,omitempty"`
	OutputDir  string            `json:"outputDir"`
}

// FailedComposites returns the number of composites that could not be written
func (r *Result) FailedComposites() int {
	n := 0
	for _, c := range r.Composites {
		if c.Error != "" {
			n++
		}
	}
	return n
}

// Job is one acquisition request: an area at a zoom level from one source,
// optionally stitched into composite images.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      Status `json:"status"`
	Priority    int    `json:"priority"`  // Higher = more urgent (default 0)
	CreatedAt   string `json:"createdAt"` // ISO 8601 format
	StartedAt   string `json:"startedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`

	// Area: either a grid square name or explicit bounds
	SourceID   string        `json:"sourceId"`
	GridSquare string        `json:"gridSquare,omitempty"`
	Bounds     *tiles.Bounds `json:"bounds,omitempty"`
	Zoom       int           `json:"zoom"`

	// Stitching
	Stitch    bool                `json:"stitch"`
	Format    common.OutputFormat `json:"format"`
	OutputDir string              `json:"outputDir,omitempty"`

	Progress downloads.DownloadProgress `json:"progress"`
	Result   *Result                    `json:"result,omitempty"`

	// Error message if failed
	Error string `json:"error,omitempty"`
}

// New creates a pending job
func New(name, sourceID string, zoom int) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusPending,
		CreatedAt: time.Now().Format(time.RFC3339),
		SourceID:  sourceID,
		Zoom:      zoom,
		Format:    common.FormatPNG,
	}
}

// SummaryFilename is the name under which the job is saved in its output directory
func (j *Job) SummaryFilename() string {
	return "job_" + j.ID + ".json"
}

// SaveToFile persists the job to a JSON file in dir
func (j *Job) SaveToFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	path := filepath.Join(dir, j.SummaryFilename())
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write job file: %w", err)
	}

	return path, nil
}

// LoadFromFile loads a job from a JSON file
func LoadFromFile(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// UpdateProgress records scheduler progress
func (j *Job) UpdateProgress(p downloads.DownloadProgress) {
	j.Progress = p
}

// Finished reports whether the job reached a final status
func (j *Job) Finished() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// DeleteFile removes the job file from dir
func (j *Job) DeleteFile(dir string) error {
	return os.Remove(filepath.Join(dir, j.SummaryFilename()))
}

// MarkStarted marks the job as started
func (j *Job) MarkStarted() {
	j.StartedAt = time.Now().Format(time.RFC3339)
	j.Status = StatusRunning
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted(result *Result) {
	j.CompletedAt = time.Now().Format(time.RFC3339)
	j.Status = StatusCompleted
	j.Result = result
	j.Progress.Percent = 100
}

// MarkFailed marks the job as failed with an error
func (j *Job) MarkFailed(err error) {
	j.CompletedAt = time.Now().Format(time.RFC3339)
	j.Status = StatusFailed
	if err != nil {
		j.Error = err.Error()
	}
}

// MarkCancelled marks the job as cancelled, keeping whatever was achieved
func (j *Job) MarkCancelled(result *Result) {
	j.CompletedAt = time.Now().Format(time.RFC3339)
	j.Status = StatusCancelled
	j.Result = result
}
