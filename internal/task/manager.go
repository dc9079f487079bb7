package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/curator"
)

// TaskStatus 定义了任务可能的状态。
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Task 结构体代表一个后台入库任务。
type Task struct {
	ID        string     `json:"id"`
	Dataset   string     `json:"dataset"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// Report 在任务完成后携带完整的入库报告。
	Report *models.IngestReport `json:"report,omitempty"`

	root    string
	csvPath string
	joinKey string
	cancel  context.CancelFunc
}

// Manager 结构体是入库任务管理器。
type Manager struct {
	tasks map[string]*Task
	mu    sync.RWMutex

	curator *curator.Curator
}

// NewManager 创建并返回一个新的任务管理器实例。
func NewManager(c *curator.Curator) *Manager {
	return &Manager{
		tasks:   make(map[string]*Task),
		curator: c,
	}
}

// StartIngest 创建一个新的入库任务，并立即在后台启动它。
// 同一数据集同时只允许一个任务在跑；不同数据集可以并行。
func (m *Manager) StartIngest(dataset, root, csvPath, joinKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.Dataset == dataset && (t.Status == StatusPending || t.Status == StatusRunning) {
			return "", fmt.Errorf("数据集 %s 已有入库任务在进行中 (ID: %s)", dataset, t.ID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	taskID := uuid.New().String()
	newTask := &Task{
		ID:        taskID,
		Dataset:   dataset,
		Status:    StatusPending,
		StartTime: time.Now(),
		root:      root,
		csvPath:   csvPath,
		joinKey:   joinKey,
		cancel:    cancel,
	}
	m.tasks[taskID] = newTask

	go m.runIngest(ctx, newTask)

	return taskID, nil
}

// GetTask 根据任务ID检索特定任务的当前状态快照。
func (m *Manager) GetTask(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("找不到任务ID: %s", taskID)
	}
	cp := *t
	return &cp, nil
}

// Cancel 取消一个进行中的任务。提交前取消不留任何部分状态。
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[taskID]
	if !exists {
		return fmt.Errorf("找不到任务ID: %s", taskID)
	}
	if t.Status != StatusPending && t.Status != StatusRunning {
		return fmt.Errorf("任务 %s 已结束 (%s)，无法取消", taskID, t.Status)
	}
	t.cancel()
	return nil
}

// runIngest 在后台执行入库并记录结果。
func (m *Manager) runIngest(ctx context.Context, t *Task) {
	m.mu.Lock()
	t.Status = StatusRunning
	m.mu.Unlock()

	slog.Info("入库任务启动", "taskId", t.ID, "dataset", t.Dataset, "root", t.root)

	req := curator.IngestRequest{
		Dataset: t.Dataset,
		Root:    t.root,
		JoinKey: t.joinKey,
	}
	var file *os.File
	if t.csvPath != "" {
		var err error
		file, err = os.Open(t.csvPath)
		if err != nil {
			m.finish(t, nil, fmt.Errorf("无法打开元数据文件: %w", err))
			return
		}
		defer file.Close()
		req.Metadata = file
	}

	report, err := m.curator.Ingest(ctx, req)
	m.finish(t, report, err)
}

func (m *Manager) finish(t *Task, report *models.IngestReport, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endTime := time.Now()
	t.EndTime = &endTime
	t.Report = report
	switch {
	case err == nil:
		t.Status = StatusCompleted
		slog.Info("入库任务完成", "taskId", t.ID, "dataset", t.Dataset)
	case errors.Is(err, curator.ErrIngestionCancelled):
		t.Status = StatusCancelled
		t.Error = err.Error()
		slog.Info("入库任务已取消", "taskId", t.ID, "dataset", t.Dataset)
	default:
		t.Status = StatusFailed
		t.Error = err.Error()
		slog.Error("入库任务失败", "taskId", t.ID, "dataset", t.Dataset, "error", err)
	}
}
