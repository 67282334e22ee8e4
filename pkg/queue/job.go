// Package queue implements the redis-backed job queues feeding the
// pipeline: a fast lane for PDF/DOCX, a slow lane for HWP/HWPX
// conversions, per-lane retry schedules, and a dead-letter queue.
package queue

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lane selects which queue a job runs on.
type Lane string

const (
	LaneFast Lane = "fast"
	LaneSlow Lane = "slow"
)

// Job is one unit of résumé-processing work.
type Job struct {
	JobID      string         `json:"job_id"`
	UserID     string         `json:"user_id"`
	JobType    string         `json:"job_type"`
	FilePath   string         `json:"file_path"`
	Filename   string         `json:"filename"`
	Lane       Lane           `json:"lane"`
	RetryCount int            `json:"retry_count"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
}

// NewJob builds a job for the lane implied by the filename.
func NewJob(userID, filePath, filename string) *Job {
	lane := LaneFor(filename)
	return &Job{
		JobID:      uuid.NewString(),
		UserID:     userID,
		JobType:    JobTypeFor(lane),
		FilePath:   filePath,
		Filename:   filename,
		Lane:       lane,
		EnqueuedAt: time.Now(),
	}
}

// JobTypeFor names the work a lane performs. DLQ entries carry the type so
// operators can tell slow-pipeline failures apart from fast ones.
func JobTypeFor(lane Lane) string {
	if lane == LaneSlow {
		return "slow_pipeline"
	}
	return "resume_processing"
}

// LaneFor routes by file extension alone; HWP family conversions run much
// longer than native text extraction.
func LaneFor(filename string) Lane {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hwp", ".hwpx":
		return LaneSlow
	default:
		return LaneFast
	}
}

func (j *Job) encode() (string, error) {
	raw, err := json.Marshal(j)
	return string(raw), err
}

func decodeJob(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	return &j, nil
}
