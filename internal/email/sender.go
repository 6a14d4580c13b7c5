// 本文件用于客户与供应商邮件的 SMTP 发送
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"quote-intake/internal/models"
)

const (
	defaultTimeout = 10 * time.Second
	dependency     = "email"
)

// Mailer 出站邮件能力 测试与 CLI 可注入替身
type Mailer interface {
	Send(ctx context.Context, msg models.OutboundEmail) error
}

// Options SMTP 连接参数
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	UseTLS   bool
}

// Sender 负责发送 SMTP 邮件
type Sender struct {
	opts Options
	now  func() time.Time
}

// NewSender 创建邮件发送器
func NewSender(opts Options) *Sender {
	opts.Host = strings.TrimSpace(opts.Host)
	opts.User = strings.TrimSpace(opts.User)
	opts.From = strings.TrimSpace(opts.From)
	return &Sender{opts: opts, now: time.Now}
}

// NewSenderFromConfig 未配置 SMTP 主机时返回 nil
func NewSenderFromConfig(cfg *models.Config) *Sender {
	if cfg == nil || strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil
	}
	return NewSender(Options{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
		UseTLS:   cfg.SMTPUseTLS,
	})
}

// Send 发送单封邮件 ThreadID 非空时写入回复线程头
func (s *Sender) Send(ctx context.Context, msg models.OutboundEmail) error {
	if err := s.validate(msg); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	if err := s.deliver(ctx, msg); err != nil {
		// QUIT 失败时邮件已经提交 不视为发送失败
		if IsQuitError(err) {
			return nil
		}
		return models.NewExternalError(dependency, "send", err)
	}
	return nil
}

func (s *Sender) validate(msg models.OutboundEmail) error {
	if s == nil {
		return fmt.Errorf("email sender is nil")
	}
	switch {
	case s.opts.Host == "":
		return fmt.Errorf("smtp host is empty")
	case s.opts.Port <= 0:
		return fmt.Errorf("smtp port is invalid")
	case s.opts.From == "":
		return fmt.Errorf("smtp from is empty")
	}
	if strings.TrimSpace(msg.To) == "" {
		return models.NewValidationError("to", "is required")
	}
	if strings.ContainsAny(msg.To, "\r\n") {
		return models.NewValidationError("to", "contains line breaks")
	}
	return nil
}

func (s *Sender) deliver(ctx context.Context, msg models.OutboundEmail) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
	dialer := net.Dialer{Timeout: defaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *smtp.Client
	if s.opts.UseTLS && s.opts.Port == 465 {
		// 465 端口走 SMTPS 直连 TLS
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.opts.Host})
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("smtp tls handshake failed: %w", err)
		}
		client, err = smtp.NewClient(tlsConn, s.opts.Host)
	} else {
		client, err = smtp.NewClient(conn, s.opts.Host)
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp client init failed: %w", err)
	}
	defer client.Close()

	if s.opts.UseTLS && s.opts.Port != 465 {
		ok, _ := client.Extension("STARTTLS")
		if !ok {
			return fmt.Errorf("smtp server does not support STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: s.opts.Host}); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if s.opts.User != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return fmt.Errorf("smtp server does not support AUTH")
		}
		if err := client.Auth(smtp.PlainAuth("", s.opts.User, s.opts.Password, s.opts.Host)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	to := strings.TrimSpace(msg.To)
	if err := client.Mail(s.opts.From); err != nil {
		return fmt.Errorf("smtp mail from failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to %s failed: %w", to, err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	if _, err := writer.Write([]byte(BuildMessage(s.opts.From, msg, s.now()))); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp data close failed: %w", err)
	}
	if err := client.Quit(); err != nil {
		return &QuitError{Err: err}
	}
	return nil
}

// QuitError 邮件提交后 SMTP QUIT 失败
type QuitError struct {
	Err error
}

func (e *QuitError) Error() string {
	if e == nil || e.Err == nil {
		return "smtp quit failed"
	}
	return fmt.Sprintf("smtp quit failed: %v", e.Err)
}

func (e *QuitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsQuitError 判断错误是否为退出失败
func IsQuitError(err error) bool {
	var quitErr *QuitError
	return errors.As(err, &quitErr)
}

// BuildMessage 组装纯文本邮件 回复线程时带上 In-Reply-To 与 References
func BuildMessage(from string, msg models.OutboundEmail, now time.Time) string {
	clean := strings.NewReplacer("\r", "", "\n", "")
	headers := []string{
		"From: " + clean.Replace(from),
		"To: " + clean.Replace(strings.TrimSpace(msg.To)),
		"Subject: " + clean.Replace(msg.Subject),
		"Date: " + now.Format(time.RFC1123Z),
		"Message-ID: " + newMessageID(from),
	}
	if thread := strings.TrimSpace(clean.Replace(msg.ThreadID)); thread != "" {
		ref := thread
		if !strings.HasPrefix(ref, "<") {
			ref = "<" + ref + ">"
		}
		headers = append(headers, "In-Reply-To: "+ref, "References: "+ref)
	}
	headers = append(headers,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"Content-Transfer-Encoding: 8bit",
	)
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + normalizeLineEndings(msg.Body) + "\r\n"
}

func newMessageID(from string) string {
	domain := "quote-intake.local"
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "<> ")
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// normalizeLineEndings SMTP 要求 CRLF
func normalizeLineEndings(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return strings.ReplaceAll(body, "\n", "\r\n")
}
