package persistqueue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newQueue(t *testing.T) (*FileQueue, string) {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "inbox-queue.json")
	q, err := NewFileQueue(storePath)
	if err != nil {
		t.Fatalf("创建队列失败: %v", err)
	}
	return q, storePath
}

func TestFileQueuePersistsAcrossRestart(t *testing.T) {
	q, storePath := newQueue(t)
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }
	for _, item := range []string{"inbox/a.json", " inbox/b.json "} {
		if err := q.Enqueue(item); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}

	reopened, err := NewFileQueue(storePath)
	if err != nil {
		t.Fatalf("重新打开失败: %v", err)
	}
	items := reopened.Items()
	if len(items) != 2 || items[0] != "inbox/a.json" || items[1] != "inbox/b.json" {
		t.Fatalf("重启后顺序不正确: %+v", items)
	}
	if stats := reopened.HealthStats(); !stats.Oldest.Equal(fixed) || stats.Length != 2 {
		t.Fatalf("健康指标不正确: %+v", stats)
	}
	if err := reopened.Enqueue("  "); err == nil {
		t.Fatalf("空元素应拒绝入队")
	}
}

func TestFileQueueRemoveFrontAndBack(t *testing.T) {
	q, _ := newQueue(t)
	_ = q.Enqueue("a")
	_ = q.Enqueue("b")
	_ = q.Enqueue("a")

	removed, err := q.RemoveOne("a")
	if err != nil || !removed {
		t.Fatalf("确认删除失败: removed=%v err=%v", removed, err)
	}
	if items := q.Items(); len(items) != 2 || items[0] != "b" || items[1] != "a" {
		t.Fatalf("RemoveOne 应删除第一条: %+v", items)
	}

	_ = q.Enqueue("b")
	removed, err = q.RemoveLastOne("b")
	if err != nil || !removed {
		t.Fatalf("撤销删除失败: removed=%v err=%v", removed, err)
	}
	if items := q.Items(); len(items) != 2 || items[0] != "b" || items[1] != "a" {
		t.Fatalf("RemoveLastOne 应删除最后一条: %+v", items)
	}

	removed, err = q.RemoveOne("missing")
	if err != nil || removed {
		t.Fatalf("不存在的元素应返回 false")
	}
	if !q.Contains("a") || q.Contains("missing") {
		t.Fatalf("Contains 结果不正确")
	}
	if err := q.Reset(); err != nil || len(q.Items()) != 0 {
		t.Fatalf("清空失败: %v", err)
	}
}

func TestFileQueueCorruptedStoreFallback(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "inbox-queue.json")
	if err := os.WriteFile(storePath, []byte("{bad-json"), 0o644); err != nil {
		t.Fatalf("写入损坏文件失败: %v", err)
	}
	q, err := NewFileQueue(storePath)
	if err != nil {
		t.Fatalf("损坏文件应降级为空队列: %v", err)
	}
	if len(q.Items()) != 0 {
		t.Fatalf("降级后队列应为空")
	}
	backups, _ := filepath.Glob(storePath + ".corrupt-*.bak")
	if len(backups) != 1 {
		t.Fatalf("应生成 1 个备份, 实际 %d", len(backups))
	}
	raw, _ := os.ReadFile(backups[0])
	if string(raw) != "{bad-json" {
		t.Fatalf("备份内容不正确: %s", raw)
	}
	current, _ := os.ReadFile(storePath)
	if !strings.Contains(string(current), `"entries"`) {
		t.Fatalf("应重建队列文件: %s", current)
	}
	if q.HealthStats().CorruptFallbackTotal != 1 {
		t.Fatalf("损坏降级计数应为 1")
	}
}

func TestFileQueueWriteFailureRollsBack(t *testing.T) {
	q, storePath := newQueue(t)
	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	// 路径指向已有文件下的子路径 触发写盘失败
	q.path = filepath.Join(storePath, "child.json")
	if err := q.Enqueue("b"); err == nil {
		t.Fatalf("写盘失败时应返回错误")
	}
	if items := q.Items(); len(items) != 1 || items[0] != "a" {
		t.Fatalf("写盘失败应回滚: %+v", items)
	}
	if q.HealthStats().PersistWriteFailureTotal == 0 {
		t.Fatalf("写盘失败计数应增加")
	}
	q.RecordRecovered(2)
	q.RecordRecovered(-1)
	if q.HealthStats().RecoveredTotal != 2 {
		t.Fatalf("恢复计数应为 2")
	}
}
