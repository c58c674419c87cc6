package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransferStatus represents the current status of a download
type TransferStatus string

const (
	StatusPending    TransferStatus = "pending"
	StatusInProgress TransferStatus = "in_progress"
	StatusCompleted  TransferStatus = "completed"
	StatusFailed     TransferStatus = "failed"
)

// ProgressTracker tracks the progress of downloads
type ProgressTracker struct {
	transfers map[string]*DownloadProgress
	mu        sync.RWMutex
}

// DownloadProgress is a point-in-time view of one tracked download
type DownloadProgress struct {
	ID             string
	Name           string
	Status         TransferStatus
	BytesDone      uint64
	TotalBytes     uint64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
	Err            error

	startBytes uint64
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*DownloadProgress),
	}
}

// StartTracking registers a download and returns its id
func (pt *ProgressTracker) StartTracking(name string) string {
	id := uuid.New().String()
	now := time.Now()

	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.transfers[id] = &DownloadProgress{
		ID:             id,
		Name:           name,
		Status:         StatusPending,
		StartTime:      now,
		LastUpdateTime: now,
	}
	return id
}

// Sink returns a ProgressSink feeding the download with the given id
func (pt *ProgressTracker) Sink(id string) ProgressSink {
	return ProgressFunc(func(done, total uint64) {
		pt.UpdateProgress(id, done, total)
	})
}

// UpdateProgress updates the progress of a download
func (pt *ProgressTracker) UpdateProgress(id string, done, total uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	progress, exists := pt.transfers[id]
	if !exists {
		return
	}

	now := time.Now()
	if progress.Status == StatusPending {
		// resumed downloads measure speed from the first reported offset
		progress.StartTime = now
		progress.startBytes = done
	}
	progress.BytesDone = done
	progress.TotalBytes = total
	progress.Status = StatusInProgress
	progress.LastUpdateTime = now

	if elapsed := now.Sub(progress.StartTime).Seconds(); elapsed > 0 && done >= progress.startBytes {
		progress.Speed = float64(done-progress.startBytes) / elapsed
	}
	if progress.Speed > 0 && total > done {
		progress.EstimatedTime = time.Duration(float64(total-done) / progress.Speed * float64(time.Second))
	}
}

// Finish marks a download completed, or failed when err is non-nil
func (pt *ProgressTracker) Finish(id string, err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	progress, exists := pt.transfers[id]
	if !exists {
		return
	}
	progress.LastUpdateTime = time.Now()
	progress.EstimatedTime = 0
	if err != nil {
		progress.Status = StatusFailed
		progress.Err = err
		return
	}
	progress.Status = StatusCompleted
}

// GetProgress returns a copy of the progress of a download
func (pt *ProgressTracker) GetProgress(id string) (DownloadProgress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	progress, exists := pt.transfers[id]
	if !exists {
		return DownloadProgress{}, false
	}
	return *progress, true
}

// RemoveTransfer removes a download from tracking
func (pt *ProgressTracker) RemoveTransfer(id string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.transfers, id)
}

// Summary renders one line describing a download
func (pt *ProgressTracker) Summary(id string) string {
	progress, exists := pt.GetProgress(id)
	if !exists {
		return fmt.Sprintf("download %s not found", id)
	}

	line := fmt.Sprintf("%s: %s %s/%s", progress.Name, progress.Status,
		formatBytes(progress.BytesDone), formatBytes(progress.TotalBytes))
	if progress.Speed > 0 {
		line += fmt.Sprintf(" %s/s", formatBytes(uint64(progress.Speed)))
	}
	if progress.EstimatedTime > 0 {
		line += " ETA " + formatDuration(progress.EstimatedTime)
	}
	if progress.Err != nil {
		line += fmt.Sprintf(" (%v)", progress.Err)
	}
	return line
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
