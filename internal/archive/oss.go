// 本文件用于把询价邮件附件归档到对象存储
// 归档失败只记录日志 不影响询价流程
package archive

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	sdk "github.com/aliyun/aliyun-oss-go-sdk/oss"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
)

// Archiver 附件归档能力
type Archiver interface {
	Archive(ctx context.Context, requestID string, attachments []models.Attachment) ([]string, error)
}

// Noop 未启用归档
type Noop struct{}

func (Noop) Archive(context.Context, string, []models.Attachment) ([]string, error) {
	return nil, nil
}

// objectPutter 对象写入 返回服务端 ETag
type objectPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// bucketPutter 基于 SDK Bucket 的写入
type bucketPutter struct {
	bucket *sdk.Bucket
}

func (b bucketPutter) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var responseHeader http.Header
	reader := &contextReader{ctx: ctx, reader: bytes.NewReader(data)}
	err := b.bucket.PutObject(key, reader,
		sdk.ContentLength(int64(len(data))),
		sdk.ContentType(contentType),
		sdk.GetResponseHeader(&responseHeader),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return responseHeader.Get("ETag"), nil
}

// OSSArchiver 基于阿里云 OSS 的附件归档
type OSSArchiver struct {
	bucket     objectPutter
	endpoint   string
	bucketName string
	prefix     string
}

// NewFromConfig 未启用 OSS 时返回 Noop
func NewFromConfig(cfg *models.Config) (Archiver, error) {
	if cfg == nil || !cfg.OSSEnabled {
		return Noop{}, nil
	}
	logger.Info("初始化附件归档 OSS 客户端...")
	endpoint, err := normalizeEndpoint(cfg.OSSEndpoint)
	if err != nil {
		return nil, err
	}
	client, err := sdk.New(endpoint, cfg.OSSAK, cfg.OSSSK)
	if err != nil {
		return nil, fmt.Errorf("创建OSS客户端失败: %w", err)
	}
	bucket, err := client.Bucket(cfg.OSSBucket)
	if err != nil {
		return nil, fmt.Errorf("获取OSS Bucket失败: %w", err)
	}
	logger.Info("OSS客户端初始化成功: bucket=%s", cfg.OSSBucket)
	return &OSSArchiver{
		bucket:     bucketPutter{bucket: bucket},
		endpoint:   endpoint,
		bucketName: cfg.OSSBucket,
		prefix:     cfg.OSSPrefix,
	}, nil
}

// Archive 逐个上传附件 返回成功对象的访问地址 没有内容的附件跳过
func (a *OSSArchiver) Archive(ctx context.Context, requestID string, attachments []models.Attachment) ([]string, error) {
	if a == nil || a.bucket == nil {
		return nil, fmt.Errorf("OSS Bucket未初始化")
	}
	var urls []string
	var firstErr error
	for _, att := range attachments {
		if len(att.Data) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return urls, err
		}
		key := buildObjectKey(a.prefix, requestID, att.Filename)
		if err := a.put(ctx, key, att); err != nil {
			logger.Warn("附件归档失败: request=%s file=%s err=%v", requestID, att.Filename, err)
			if firstErr == nil {
				firstErr = models.NewExternalError("oss", "put_object", err)
			}
			continue
		}
		urls = append(urls, buildObjectURL(a.endpoint, a.bucketName, key))
	}
	return urls, firstErr
}

func (a *OSSArchiver) put(ctx context.Context, key string, att models.Attachment) error {
	contentType := strings.TrimSpace(att.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	etag, err := a.bucket.Put(ctx, key, att.Data, contentType)
	if err != nil {
		return err
	}
	sum := md5.Sum(att.Data)
	local := hex.EncodeToString(sum[:])
	remote := normalizeETag(etag)
	// 分片上传的 ETag 不是 MD5 只在格式合法时比对
	if isValidMD5Hex(remote) && remote != local {
		return fmt.Errorf("OSS ETag校验失败: local=%s remote=%s", local, remote)
	}
	logger.Info("附件归档成功: object=%s", key)
	return nil
}

// buildObjectKey prefix/requestID/filename 文件名去除路径分隔符
func buildObjectKey(prefix, requestID, filename string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(filename))
	if name == "" || name == "." || name == ".." {
		name = "attachment"
	}
	parts := []string{}
	if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, defaultValue(strings.Trim(requestID, "/"), "unassigned"), name)
	return path.Join(parts...)
}

func buildObjectURL(endpoint, bucket, key string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return key
	}
	escaped := (&url.URL{Path: "/" + key}).EscapedPath()
	return parsed.Scheme + "://" + bucket + "." + parsed.Host + escaped
}

func normalizeEndpoint(endpoint string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("OSS Endpoint不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return trimmed, nil
	}
	parsed, err = url.Parse("//" + trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("无效的 OSS Endpoint: %s", endpoint)
	}
	return "https://" + parsed.Host + strings.TrimSuffix(parsed.Path, "/"), nil
}

func normalizeETag(value string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(value), "\""))
}

func isValidMD5Hex(value string) bool {
	if len(value) != 32 {
		return false
	}
	for _, ch := range value {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		default:
			return false
		}
	}
	return true
}

// contextReader 上传过程响应上下文取消
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}

func defaultValue(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
