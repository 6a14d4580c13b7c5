// 本文件用于监听入站邮件投递目录 每封邮件是一个 JSON 文件
// 写入稳定后交给工作池 处理完成后移动到 processed 目录
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
)

const (
	defaultSettle     = 500 * time.Millisecond
	logThrottle       = 5 * time.Second
	spoolExt          = ".json"
	defaultProcessed  = "processed"
	defaultFailedDir  = "failed"
	maxSpoolFileBytes = 25 << 20
)

// Submitter 工作池入口
type Submitter interface {
	Add(item string) error
}

// Options 投递目录配置
type Options struct {
	Dir          string
	ProcessedDir string
	FailedDir    string
	Settle       time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProcessedDir == "" {
		o.ProcessedDir = filepath.Join(o.Dir, defaultProcessed)
	}
	if o.FailedDir == "" {
		o.FailedDir = filepath.Join(o.Dir, defaultFailedDir)
	}
	if o.Settle <= 0 {
		o.Settle = defaultSettle
	}
	return o
}

// Spool 投递目录监听器
type Spool struct {
	opts    Options
	pool    Submitter
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	timers     map[string]*time.Timer
	lastLogged map[string]time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

// NewSpool 创建投递目录监听器
func NewSpool(opts Options, pool Submitter) (*Spool, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("投递目录不能为空")
	}
	if pool == nil {
		return nil, fmt.Errorf("工作池不能为空")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Spool{
		opts:       opts.withDefaults(),
		pool:       pool,
		watcher:    w,
		timers:     make(map[string]*time.Timer),
		lastLogged: make(map[string]time.Time),
		done:       make(chan struct{}),
	}, nil
}

// Options 返回生效配置
func (s *Spool) Options() Options {
	return s.opts
}

// Start 创建目录 开始监听 并提交目录中已有但不在 queued 内的文件
func (s *Spool) Start(queued []string) error {
	for _, dir := range []string{s.opts.Dir, s.opts.ProcessedDir, s.opts.FailedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}
	if err := s.watcher.Add(s.opts.Dir); err != nil {
		return fmt.Errorf("添加目录监听失败: %w", err)
	}
	go s.handleEvents()

	known := make(map[string]struct{}, len(queued))
	for _, item := range queued {
		known[filepath.Clean(item)] = struct{}{}
	}
	leftovers, err := ListSpoolFiles(s.opts.Dir)
	if err != nil {
		return err
	}
	submitted := 0
	for _, path := range leftovers {
		if _, ok := known[filepath.Clean(path)]; ok {
			continue
		}
		s.submit(path)
		submitted++
	}
	logger.Info("开始监听投递目录: %s 启动补录 %d 个文件", s.opts.Dir, submitted)
	return nil
}

// Close 停止监听
func (s *Spool) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, t := range s.timers {
			t.Stop()
		}
		s.timers = make(map[string]*time.Timer)
		s.mu.Unlock()
		err = s.watcher.Close()
	})
	return err
}

func (s *Spool) handleEvents() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("投递目录监听错误: %v", err)
		}
	}
}

func (s *Spool) handleEvent(event fsnotify.Event) {
	if !isSpoolFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if s.shouldLog(event.Name) {
		logger.Info("检测到入站邮件文件: %s 操作: %s", event.Name, event.Op.String())
	}
	s.scheduleSettle(event.Name)
}

// scheduleSettle 静默 Settle 时长后才认为写入完成
func (s *Spool) scheduleSettle(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.opts.Settle, func() {
		s.mu.Lock()
		delete(s.timers, path)
		delete(s.lastLogged, path)
		s.mu.Unlock()
		select {
		case <-s.done:
			return
		default:
		}
		s.submit(path)
	})
}

func (s *Spool) submit(path string) {
	if err := s.pool.Add(path); err != nil {
		logger.Error("入站邮件无法入队: %s err=%v", path, err)
	}
}

func (s *Spool) shouldLog(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastLogged[path]; ok && time.Since(last) <= logThrottle {
		return false
	}
	s.lastLogged[path] = time.Now()
	return true
}

func isSpoolFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), spoolExt)
}

// ListSpoolFiles 按文件名排序列出目录下的邮件文件 不递归
func ListSpoolFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取投递目录失败: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isSpoolFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// DecodeFile 读取单个邮件文件 缺少 ID 时使用文件名
func DecodeFile(path string) (models.InboundEmail, error) {
	var email models.InboundEmail
	info, err := os.Stat(path)
	if err != nil {
		return email, err
	}
	if info.Size() > maxSpoolFileBytes {
		return email, models.NewValidationError("file", fmt.Sprintf("exceeds %d bytes", maxSpoolFileBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return email, err
	}
	if err := json.Unmarshal(data, &email); err != nil {
		return email, models.NewValidationError("file", "invalid json: "+err.Error())
	}
	if strings.TrimSpace(email.ID) == "" {
		email.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = info.ModTime().UTC()
	}
	return email, nil
}

// LoadDir 读取目录下全部邮件 单个文件失败不影响其余
func LoadDir(dir string) ([]models.InboundEmail, map[string]error, error) {
	files, err := ListSpoolFiles(dir)
	if err != nil {
		return nil, nil, err
	}
	var emails []models.InboundEmail
	failures := map[string]error{}
	for _, path := range files {
		email, err := DecodeFile(path)
		if err != nil {
			failures[path] = err
			continue
		}
		emails = append(emails, email)
	}
	return emails, failures, nil
}

// EmailHandler 邮件处理入口
type EmailHandler func(ctx context.Context, email models.InboundEmail) error

// Processor 把工作池元素解析为邮件并交给处理入口
type Processor struct {
	opts   Options
	handle EmailHandler
}

func NewProcessor(opts Options, handle EmailHandler) *Processor {
	return &Processor{opts: opts.withDefaults(), handle: handle}
}

// Process 成功或不可恢复的校验错误返回 nil 使队列确认 其余错误保留待重试
func (p *Processor) Process(ctx context.Context, path string) error {
	email, err := DecodeFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("入站邮件文件已不存在 视为已处理: %s", path)
			return nil
		}
		if models.IsValidation(err) {
			p.moveTo(path, p.opts.FailedDir)
			logger.Error("入站邮件格式错误 已隔离: %s err=%v", path, err)
			return nil
		}
		return err
	}
	if err := p.handle(ctx, email); err != nil {
		if models.IsValidation(err) {
			p.moveTo(path, p.opts.FailedDir)
			logger.Error("入站邮件校验失败 已隔离: %s err=%v", path, err)
			return nil
		}
		return err
	}
	p.moveTo(path, p.opts.ProcessedDir)
	return nil
}

func (p *Processor) moveTo(path, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("创建目录失败: %s err=%v", dir, err)
		return
	}
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = strings.TrimSuffix(target, ext) + "-" + time.Now().UTC().Format("20060102T150405.000000000") + ext
	}
	if err := os.Rename(path, target); err != nil {
		logger.Warn("移动邮件文件失败: %s -> %s err=%v", path, target, err)
	}
}
