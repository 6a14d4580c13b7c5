package quotation

import (
	"strings"
	"sync"

	"quote-intake/internal/models"
)

// MergeFields 先写优先 只覆盖请求中尚未填写的字段 返回被填充的字段名
func MergeFields(req *models.QuotationRequest, fields models.ExtractedFields) []string {
	var filled []string
	if strings.TrimSpace(req.Material) == "" && strings.TrimSpace(fields.Material) != "" {
		req.Material = strings.TrimSpace(fields.Material)
		filled = append(filled, "material")
	}
	if req.Quantity <= 0 && fields.Quantity > 0 {
		req.Quantity = fields.Quantity
		filled = append(filled, "quantity")
	}
	if len(req.Dimensions) == 0 && len(fields.Dimensions) > 0 {
		req.Dimensions = append([]string(nil), fields.Dimensions...)
		filled = append(filled, "dimensions")
	}
	if len(req.Tolerances) == 0 && len(fields.Tolerances) > 0 {
		req.Tolerances = append([]string(nil), fields.Tolerances...)
		filled = append(filled, "tolerances")
	}
	if strings.TrimSpace(req.SurfaceFinish) == "" && strings.TrimSpace(fields.SurfaceFinish) != "" {
		req.SurfaceFinish = strings.TrimSpace(fields.SurfaceFinish)
		filled = append(filled, "surface_finish")
	}
	if strings.TrimSpace(req.Deadline) == "" && strings.TrimSpace(fields.Deadline) != "" {
		req.Deadline = strings.TrimSpace(fields.Deadline)
		filled = append(filled, "deadline")
	}
	if fields.Confidence > req.Confidence {
		req.Confidence = fields.Confidence
	}
	return filled
}

// KeyedMutex 按键串行化 同一请求的状态修改不会并发执行
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock 获取 key 对应的锁 返回释放函数
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len 当前持有或等待中的键数量
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
