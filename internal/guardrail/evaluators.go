// 本文件用于护栏的确定性规则评估 每个评估器都是纯函数 不依赖网络
package guardrail

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"quote-intake/internal/models"
)

// 规则名 出现在审计轨迹中
const (
	RuleQuotationIntent     = "quotation_intent"
	RuleTechnicalAttachment = "technical_attachment"
	RuleSpam                = "spam_signals"
	RuleOutOfScope          = "out_of_scope"
	RuleComplaint           = "complaint"
)

var (
	capsRunPattern = regexp.MustCompile(`[A-ZÁÉÍÓÚÑ]{2,}(?:[\s]+[A-ZÁÉÍÓÚÑ]{2,})*`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// EvaluateAll 按固定顺序运行全部评估器
func EvaluateAll(rules *Ruleset, email models.InboundEmail) []models.RuleEvaluation {
	return []models.RuleEvaluation{
		EvaluateQuotationIntent(rules, email),
		EvaluateTechnicalAttachment(rules, email),
		EvaluateSpam(rules, email),
		EvaluateOutOfScope(rules, email),
		EvaluateComplaint(rules, email),
	}
}

// EvaluateQuotationIntent 至少两个询价关键词通过 置信度为 命中数/3
func EvaluateQuotationIntent(rules *Ruleset, email models.InboundEmail) models.RuleEvaluation {
	matches := matchKeywords(messageText(email), rules.Quotation.Keywords)
	return models.RuleEvaluation{
		Rule:       RuleQuotationIntent,
		Passed:     len(matches) >= 2,
		Confidence: math.Min(float64(len(matches))/3, 1),
		Details:    fmt.Sprintf("命中 %d 个询价关键词", len(matches)),
		Matches:    matches,
	}
}

// EvaluateTechnicalAttachment 至少一个技术图纸格式附件通过
func EvaluateTechnicalAttachment(rules *Ruleset, email models.InboundEmail) models.RuleEvaluation {
	allowed := make(map[string]struct{}, len(rules.TechnicalExtensions))
	for _, ext := range rules.TechnicalExtensions {
		allowed[ext] = struct{}{}
	}
	var matches []string
	for _, att := range email.Attachments {
		ext := strings.ToLower(filepath.Ext(strings.TrimSpace(att.Filename)))
		if _, ok := allowed[ext]; ok {
			matches = append(matches, att.Filename)
		}
	}
	eval := models.RuleEvaluation{
		Rule:    RuleTechnicalAttachment,
		Passed:  len(matches) > 0,
		Details: fmt.Sprintf("%d 个附件中 %d 个为技术格式", len(email.Attachments), len(matches)),
		Matches: matches,
	}
	if eval.Passed {
		eval.Confidence = 1
	}
	return eval
}

// EvaluateSpam 关键词 大写连写 连续标点各记信号 两个及以上判定为垃圾邮件
// Passed 表示未判定为垃圾邮件 Confidence 表示垃圾邮件置信度
func EvaluateSpam(rules *Ruleset, email models.InboundEmail) models.RuleEvaluation {
	raw := email.Subject + "\n" + email.Body
	keywordHits := matchKeywords(messageText(email), rules.Spam.Keywords)
	signals := append([]string(nil), keywordHits...)
	if hasCapsRun(raw, rules.Spam.CapsRunLetters) {
		signals = append(signals, "caps_run")
	}
	if hasPunctuationRun(raw, rules.Spam.PunctuationRun) {
		signals = append(signals, "punctuation_run")
	}
	count := len(signals)
	eval := models.RuleEvaluation{
		Rule:    RuleSpam,
		Passed:  count < 2,
		Details: fmt.Sprintf("垃圾邮件信号 %d 个", count),
		Matches: signals,
	}
	if count >= 2 {
		eval.Confidence = math.Min(0.86+0.03*float64(count), 0.99)
	} else {
		eval.Confidence = 0.3 * float64(count)
	}
	return eval
}

// EvaluateOutOfScope 两个及以上范围外关键词判定失败
func EvaluateOutOfScope(rules *Ruleset, email models.InboundEmail) models.RuleEvaluation {
	matches := matchKeywords(messageText(email), rules.OutOfScope.Keywords)
	return models.RuleEvaluation{
		Rule:       RuleOutOfScope,
		Passed:     len(matches) < 2,
		Confidence: math.Min(float64(len(matches))*0.4, 1),
		Details:    fmt.Sprintf("命中 %d 个范围外关键词", len(matches)),
		Matches:    matches,
	}
}

// EvaluateComplaint 任一投诉关键词判定失败
func EvaluateComplaint(rules *Ruleset, email models.InboundEmail) models.RuleEvaluation {
	matches := matchKeywords(messageText(email), rules.Complaint.Keywords)
	eval := models.RuleEvaluation{
		Rule:    RuleComplaint,
		Passed:  len(matches) == 0,
		Details: fmt.Sprintf("命中 %d 个投诉关键词", len(matches)),
		Matches: matches,
	}
	if len(matches) > 0 {
		eval.Confidence = math.Min(0.7+0.15*float64(len(matches)), 1)
	}
	return eval
}

func messageText(email models.InboundEmail) string {
	return strings.ToLower(email.Subject + "\n" + email.Body)
}

// matchKeywords 单词关键词按整词匹配 含空格或符号的按子串匹配
func matchKeywords(lowerText string, keywords []string) []string {
	if len(keywords) == 0 || lowerText == "" {
		return nil
	}
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(lowerText, isWordSeparator) {
		words[w] = struct{}{}
	}
	normalized := whitespaceRun.ReplaceAllString(lowerText, " ")
	var out []string
	for _, kw := range keywords {
		if isSingleWord(kw) {
			if _, ok := words[kw]; ok {
				out = append(out, kw)
			}
			continue
		}
		if strings.Contains(normalized, kw) {
			out = append(out, kw)
		}
	}
	return out
}

func isWordSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func isSingleWord(kw string) bool {
	for _, r := range kw {
		if isWordSeparator(r) {
			return false
		}
	}
	return true
}

func hasCapsRun(text string, minLetters int) bool {
	for _, run := range capsRunPattern.FindAllString(text, -1) {
		letters := 0
		for _, r := range run {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		if letters >= minLetters {
			return true
		}
	}
	return false
}

func hasPunctuationRun(text string, minRun int) bool {
	run := 0
	for _, r := range text {
		if r == '!' || r == '?' {
			run++
			if run >= minRun {
				return true
			}
			continue
		}
		run = 0
	}
	return false
}
