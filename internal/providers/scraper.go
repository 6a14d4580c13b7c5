// 本文件用于从供应商官网抓取联系邮箱 尽力而为 失败只记录日志
package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"quote-intake/internal/models"
	"quote-intake/internal/ratelimit"
)

const (
	dependencyWeb      = "web"
	maxScrapeBodyBytes = 1 << 20
	scrapeUserAgent    = "quote-intake/1.0 (+contacto)"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// 免费邮箱与占位域名 这些地址不作为供应商询价渠道
var defaultBlockedDomains = []string{
	"gmail.com", "hotmail.com", "hotmail.es", "outlook.com", "outlook.es", "yahoo.com", "yahoo.es",
	"live.com", "icloud.com", "aol.com", "gmx.com", "protonmail.com",
	"example.com", "example.org", "domain.com", "email.com", "sentry.io", "wixpress.com",
	"sentry-next.wixpress.com", "godaddy.com",
}

// 页面资源误匹配为邮箱的后缀
var assetSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}

// contactPaths 首页没有邮箱时依次尝试的联系页
var contactPaths = []string{"/contacto", "/contact", "/contactar"}

// EmailFinder 官网邮箱抓取能力
type EmailFinder interface {
	FindEmail(ctx context.Context, site string) (string, error)
}

// Scraper 基于 x/net/html 的官网邮箱抓取
type Scraper struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	blocked map[string]struct{}
}

func NewScraper(limiter *ratelimit.Limiter, extraBlocked ...string) *Scraper {
	blocked := make(map[string]struct{}, len(defaultBlockedDomains)+len(extraBlocked))
	for _, d := range append(append([]string(nil), defaultBlockedDomains...), extraBlocked...) {
		blocked[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &Scraper{
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		blocked: blocked,
	}
}

// FindEmail 先抓首页 没有结果再尝试常见联系页 优先返回与官网同域的地址
func (s *Scraper) FindEmail(ctx context.Context, site string) (string, error) {
	base, err := normalizeSite(site)
	if err != nil {
		return "", models.NewValidationError("website", err.Error())
	}
	pages := []string{base.String()}
	for _, p := range contactPaths {
		ref := *base
		ref.Path = p
		pages = append(pages, ref.String())
	}
	var firstErr error
	for _, page := range pages {
		emails, err := s.scrapePage(ctx, page)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if email := s.pick(emails, base.Hostname()); email != "" {
			return email, nil
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", nil
}

func (s *Scraper) scrapePage(ctx context.Context, page string) ([]string, error) {
	body, err := ratelimit.Do(ctx, s.limiter, ratelimit.DefaultPriority+1, 1, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", scrapeUserAgent)
		resp, err := s.http.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("页面响应异常: %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapeBodyBytes))
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return nil, models.NewExternalError(dependencyWeb, "scrape", err)
	}
	return ExtractEmails(body), nil
}

// ExtractEmails 解析 HTML 收集 mailto 链接与正文中的邮箱 保持出现顺序并去重
func ExtractEmails(document string) []string {
	doc, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return uniqueLower(emailPattern.FindAllString(document, -1))
	}
	var found []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "a" {
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					href := strings.TrimSpace(attr.Val)
					if len(href) > 7 && strings.EqualFold(href[:7], "mailto:") {
						addr := href[7:]
						if i := strings.IndexByte(addr, '?'); i >= 0 {
							addr = addr[:i]
						}
						if decoded, err := url.PathUnescape(addr); err == nil {
							addr = decoded
						}
						found = append(found, emailPattern.FindAllString(addr, -1)...)
					}
				}
			}
		case html.TextNode:
			found = append(found, emailPattern.FindAllString(n.Data, -1)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return uniqueLower(found)
}

func (s *Scraper) pick(emails []string, host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	var fallback string
	for _, email := range emails {
		if !s.Acceptable(email) {
			continue
		}
		domain := email[strings.LastIndexByte(email, '@')+1:]
		if host != "" && (domain == host || strings.HasSuffix(host, "."+domain) || strings.HasSuffix(domain, "."+host)) {
			return email
		}
		if fallback == "" {
			fallback = email
		}
	}
	return fallback
}

// Acceptable 过滤免费邮箱 占位域名与图片资源误匹配
func (s *Scraper) Acceptable(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	for _, suffix := range assetSuffixes {
		if strings.HasSuffix(email, suffix) {
			return false
		}
	}
	domain := email[at+1:]
	if _, ok := s.blocked[domain]; ok {
		return false
	}
	local := email[:at]
	return local != "noreply" && local != "no-reply" && local != "donotreply"
}

func normalizeSite(site string) (*url.URL, error) {
	raw := strings.TrimSpace(site)
	if raw == "" {
		return nil, fmt.Errorf("empty website")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func uniqueLower(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.Trim(strings.TrimSpace(v), "."))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
