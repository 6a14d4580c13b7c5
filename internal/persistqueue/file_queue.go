// 本文件用于入站邮件待处理队列的文件持久化
// 每个元素是一个尚未确认的投递文件路径 进程重启后据此恢复
package persistqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"quote-intake/internal/logger"
)

// Entry 队列中的一条待处理记录
type Entry struct {
	Item       string    `json:"item"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type fileQueueStore struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// HealthStats 持久化队列健康指标
type HealthStats struct {
	StoreFile                string    `json:"storeFile"`
	Length                   int       `json:"length"`
	Oldest                   time.Time `json:"oldest,omitempty"`
	RecoveredTotal           uint64    `json:"recoveredTotal"`
	CorruptFallbackTotal     uint64    `json:"corruptFallbackTotal"`
	PersistWriteFailureTotal uint64    `json:"persistWriteFailureTotal"`
}

// FileQueue 文件持久化队列 每次变更都整体原子写盘
type FileQueue struct {
	path    string
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time

	recoveredTotal           uint64
	corruptFallbackTotal     uint64
	persistWriteFailureTotal uint64
}

// NewFileQueue 创建并加载持久化队列
func NewFileQueue(path string) (*FileQueue, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, fmt.Errorf("队列文件路径不能为空")
	}
	q := &FileQueue{path: cleaned, now: time.Now}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue 追加并持久化 写盘失败时回滚内存状态
func (q *FileQueue) Enqueue(item string) error {
	trimmed := strings.TrimSpace(item)
	if trimmed == "" {
		return fmt.Errorf("入队元素不能为空")
	}
	return q.mutate(func(entries []Entry) ([]Entry, bool) {
		return append(entries, Entry{Item: trimmed, EnqueuedAt: q.now().UTC()}), true
	})
}

// RemoveOne 确认处理完成 删除第一条匹配元素
func (q *FileQueue) RemoveOne(item string) (bool, error) {
	return q.remove(item, false)
}

// RemoveLastOne 撤销最近一次入队 删除最后一条匹配元素
func (q *FileQueue) RemoveLastOne(item string) (bool, error) {
	return q.remove(item, true)
}

func (q *FileQueue) remove(item string, fromBack bool) (bool, error) {
	trimmed := strings.TrimSpace(item)
	if trimmed == "" {
		return false, fmt.Errorf("删除元素不能为空")
	}
	removed := false
	err := q.mutate(func(entries []Entry) ([]Entry, bool) {
		idx := indexOf(entries, trimmed, fromBack)
		if idx < 0 {
			return entries, false
		}
		removed = true
		next := make([]Entry, 0, len(entries)-1)
		next = append(next, entries[:idx]...)
		return append(next, entries[idx+1:]...), true
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Reset 清空队列
func (q *FileQueue) Reset() error {
	return q.mutate(func([]Entry) ([]Entry, bool) {
		return []Entry{}, true
	})
}

// Items 返回待处理元素快照
func (q *FileQueue) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.Item)
	}
	return out
}

// Entries 返回带入队时间的快照
func (q *FileQueue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Contains 判断元素是否仍待处理
func (q *FileQueue) Contains(item string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return indexOf(q.entries, strings.TrimSpace(item), false) >= 0
}

// RecordRecovered 记录启动时恢复的任务数
func (q *FileQueue) RecordRecovered(count int) {
	if count <= 0 {
		return
	}
	q.mu.Lock()
	q.recoveredTotal += uint64(count)
	q.mu.Unlock()
}

// HealthStats 返回健康指标快照
func (q *FileQueue) HealthStats() HealthStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := HealthStats{
		StoreFile:                q.path,
		Length:                   len(q.entries),
		RecoveredTotal:           q.recoveredTotal,
		CorruptFallbackTotal:     q.corruptFallbackTotal,
		PersistWriteFailureTotal: q.persistWriteFailureTotal,
	}
	if len(q.entries) > 0 {
		stats.Oldest = q.entries[0].EnqueuedAt
	}
	return stats
}

// mutate 在锁内修改队列 fn 返回 false 表示无需写盘
func (q *FileQueue) mutate(fn func([]Entry) ([]Entry, bool)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.entries
	next, changed := fn(append([]Entry(nil), prev...))
	if !changed {
		return nil
	}
	q.entries = next
	if err := q.saveLocked(); err != nil {
		q.persistWriteFailureTotal++
		q.entries = prev
		return err
	}
	return nil
}

func indexOf(entries []Entry, item string, fromBack bool) int {
	if fromBack {
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Item == item {
				return i
			}
		}
		return -1
	}
	for i, e := range entries {
		if e.Item == item {
			return i
		}
	}
	return -1
}

func (q *FileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = []Entry{}
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取队列文件失败: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var store fileQueueStore
	if err := json.Unmarshal(data, &store); err != nil {
		return q.fallbackFromCorruptedStoreLocked(data, err)
	}
	for _, e := range store.Entries {
		if strings.TrimSpace(e.Item) != "" {
			q.entries = append(q.entries, e)
		}
	}
	return nil
}

func (q *FileQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueStore{Version: 1, Entries: q.entries})
	if err != nil {
		return fmt.Errorf("序列化队列失败: %w", err)
	}
	return writeFileAtomic(q.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "inbox-queue-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// fallbackFromCorruptedStoreLocked 备份损坏文件后以空队列继续 投递目录中的文件会在启动扫描时重新入队
func (q *FileQueue) fallbackFromCorruptedStoreLocked(raw []byte, parseErr error) error {
	q.corruptFallbackTotal++
	backupPath := fmt.Sprintf("%s.corrupt-%s.bak", q.path, q.now().UTC().Format("20060102T150405.000000000Z"))
	if err := writeFileAtomic(backupPath, raw, 0o644); err != nil {
		return fmt.Errorf("解析队列文件失败且备份损坏文件失败: %w", err)
	}
	q.entries = []Entry{}
	if err := q.saveLocked(); err != nil {
		q.persistWriteFailureTotal++
		return fmt.Errorf("队列文件损坏后重建空队列失败: %w", err)
	}
	logger.Error("入站队列文件损坏 已降级为空队列并完成备份: 源文件=%s 备份文件=%s 错误=%v", q.path, backupPath, parseErr)
	return nil
}
