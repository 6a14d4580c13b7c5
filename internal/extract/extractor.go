// 本文件用于从邮件正文 主题与附件名中抽取加工询价的技术字段
package extract

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"quote-intake/internal/models"
)

// 字段名 与缺失信息列表保持一致
const (
	FieldMaterial      = "material"
	FieldQuantity      = "quantity"
	FieldDimensions    = "dimensions"
	FieldTolerances    = "tolerances"
	FieldSurfaceFinish = "surface_finish"
	FieldDeadline      = "deadline"
)

// Extractor 字段抽取协作方
type Extractor interface {
	Extract(ctx context.Context, email models.InboundEmail) (models.ExtractedFields, error)
}

var (
	quantityPattern  = regexp.MustCompile(`(?i)(\d{2,3}(?:[ .\x{a0}\x{2009}\x{202f}]\d{3})+|\d{1,3}(?:[.\x{a0}\x{2009}\x{202f}]\d{3})+|\d+)[ \t\x{a0}]*(piezas|pieza|pzas|pzs|uds|ud|unidades|unidad|units|unit|pcs|pieces)\b`)
	cantidadPattern  = regexp.MustCompile(`(?i)(?:cantidad|qty|quantity)\s*[:=]?\s*(\d+)`)
	dimensionPattern = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*[x×]\s*\d+(?:[.,]\d+)?(?:\s*[x×]\s*\d+(?:[.,]\d+)?)?\s*(?:mm|cm|m)?|(?:Ø|ø|diámetro|diametro)\s*\d+(?:[.,]\d+)?\s*(?:mm)?`)
	tolerancePattern = regexp.MustCompile(`(?i)±\s*\d+(?:[.,]\d+)?\s*(?:mm)?|\+/-\s*\d+(?:[.,]\d+)?\s*(?:mm)?|\bIT\d{1,2}\b|ISO\s*2768[-\s]?[fmcv]\b`)
	roughnessPattern = regexp.MustCompile(`(?i)\bRa\s*\d+(?:[.,]\d+)?`)
	datePattern      = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)
	relativeDeadline = regexp.MustCompile(`(?i)\b(?:en|dentro de|within|in)\s+(\d+)\s*(días|dias|semanas|semana|days|weeks|week)\b`)
	alloyPattern     = regexp.MustCompile(`^\s*(\d{4}(?:-t\d+)?|[a-z]{1,2}\d{2,4})\b`)
)

var thousandsSeparators = strings.NewReplacer(".", "", " ", "", "\u00a0", "", "\u2009", "", "\u202f", "")

// 材料词典 长词优先匹配
var materials = []struct {
	keyword   string
	canonical string
}{
	{"acero inoxidable", "acero inoxidable"},
	{"stainless steel", "acero inoxidable"},
	{"inoxidable", "acero inoxidable"},
	{"inox", "acero inoxidable"},
	{"aluminio", "aluminio"},
	{"aluminium", "aluminio"},
	{"aluminum", "aluminio"},
	{"acero", "acero"},
	{"steel", "acero"},
	{"latón", "latón"},
	{"laton", "latón"},
	{"brass", "latón"},
	{"bronce", "bronce"},
	{"cobre", "cobre"},
	{"titanio", "titanio"},
	{"titanium", "titanio"},
	{"delrin", "POM"},
	{"pom", "POM"},
	{"peek", "PEEK"},
	{"nylon", "nylon"},
	{"poliamida", "nylon"},
	{"plástico", "plástico"},
	{"plastico", "plástico"},
}

var finishes = []string{
	"anodizado", "anodizado duro", "pintado", "lacado", "cromado", "zincado", "niquelado",
	"pulido", "granallado", "pavonado", "tratamiento térmico", "sin tratamiento",
}

// HeuristicExtractor 基于正则与词典的本地抽取
type HeuristicExtractor struct{}

func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

func (h *HeuristicExtractor) Extract(_ context.Context, email models.InboundEmail) (models.ExtractedFields, error) {
	text := email.Subject + "\n" + email.Body
	for _, att := range email.Attachments {
		text += "\n" + strings.NewReplacer("_", " ", "-", " ").Replace(att.Filename)
	}
	return ExtractText(text), nil
}

// ExtractText 对任意文本执行抽取
func ExtractText(text string) models.ExtractedFields {
	lower := strings.ToLower(text)
	fields := models.ExtractedFields{
		Material:      findMaterial(lower),
		Quantity:      findQuantity(text),
		Dimensions:    uniqueMatches(dimensionPattern, text),
		Tolerances:    uniqueMatches(tolerancePattern, text),
		SurfaceFinish: findFinish(text, lower),
		Deadline:      findDeadline(text),
	}
	found := 0
	for _, ok := range []bool{
		fields.Material != "", fields.Quantity > 0, len(fields.Dimensions) > 0,
		len(fields.Tolerances) > 0, fields.SurfaceFinish != "", fields.Deadline != "",
	} {
		if ok {
			found++
		}
	}
	fields.Confidence = float64(found) / 6
	return fields
}

func findMaterial(lower string) string {
	for _, m := range materials {
		idx := indexWord(lower, m.keyword)
		if idx < 0 {
			continue
		}
		rest := lower[idx+len(m.keyword):]
		if grade := alloyPattern.FindStringSubmatch(rest); grade != nil {
			return m.canonical + " " + strings.ToUpper(grade[1])
		}
		return m.canonical
	}
	return ""
}

func findQuantity(text string) int {
	// 千位分隔只接受点 普通空格 不换行空格与窄空格 取第一个可解析的匹配
	for _, m := range quantityPattern.FindAllStringSubmatch(text, -1) {
		digits := thousandsSeparators.Replace(m[1])
		if n, err := strconv.Atoi(digits); err == nil && n > 0 {
			return n
		}
	}
	if m := cantidadPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func findFinish(text, lower string) string {
	best := ""
	for _, f := range finishes {
		if indexWord(lower, f) >= 0 && len(f) > len(best) {
			best = f
		}
	}
	if best != "" {
		return best
	}
	if m := roughnessPattern.FindString(text); m != "" {
		return m
	}
	return ""
}

func findDeadline(text string) string {
	if m := datePattern.FindString(text); m != "" {
		return m
	}
	if m := relativeDeadline.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range re.FindAllString(text, -1) {
		clean := strings.Join(strings.Fields(m), " ")
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}

// indexWord 返回整词出现位置 不存在时返回 -1
func indexWord(lower, word string) int {
	start := 0
	for {
		idx := strings.Index(lower[start:], word)
		if idx < 0 {
			return -1
		}
		pos := start + idx
		end := pos + len(word)
		if isBoundary(lower, pos-1) && isBoundary(lower, end) {
			return pos
		}
		start = pos + 1
	}
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 0x80)
}

// Merge 先写优先 只填充 dst 中为空的字段
func Merge(dst *models.ExtractedFields, src models.ExtractedFields) {
	if dst.Material == "" {
		dst.Material = src.Material
	}
	if dst.Quantity <= 0 {
		dst.Quantity = src.Quantity
	}
	if len(dst.Dimensions) == 0 {
		dst.Dimensions = src.Dimensions
	}
	if len(dst.Tolerances) == 0 {
		dst.Tolerances = src.Tolerances
	}
	if dst.SurfaceFinish == "" {
		dst.SurfaceFinish = src.SurfaceFinish
	}
	if dst.Deadline == "" {
		dst.Deadline = src.Deadline
	}
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
}

// Chain 依次调用多个抽取器并按先写优先合并 单个失败不影响其余
type Chain []Extractor

func (c Chain) Extract(ctx context.Context, email models.InboundEmail) (models.ExtractedFields, error) {
	var out models.ExtractedFields
	var firstErr error
	for _, ex := range c {
		if ex == nil {
			continue
		}
		fields, err := ex.Extract(ctx, email)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		Merge(&out, fields)
	}
	return out, firstErr
}

// MissingFields 按 required 顺序返回请求中仍缺失的字段
func MissingFields(req models.QuotationRequest, required []string) []string {
	missing := []string{}
	for _, field := range required {
		switch strings.TrimSpace(field) {
		case FieldMaterial:
			if strings.TrimSpace(req.Material) == "" {
				missing = append(missing, FieldMaterial)
			}
		case FieldQuantity:
			if req.Quantity <= 0 {
				missing = append(missing, FieldQuantity)
			}
		case FieldDimensions:
			if len(req.Dimensions) == 0 {
				missing = append(missing, FieldDimensions)
			}
		case FieldTolerances:
			if len(req.Tolerances) == 0 {
				missing = append(missing, FieldTolerances)
			}
		case FieldSurfaceFinish:
			if strings.TrimSpace(req.SurfaceFinish) == "" {
				missing = append(missing, FieldSurfaceFinish)
			}
		case FieldDeadline:
			if strings.TrimSpace(req.Deadline) == "" {
				missing = append(missing, FieldDeadline)
			}
		}
	}
	return missing
}

// KnownFields 支持配置为必填的字段名
func KnownFields() []string {
	out := []string{FieldMaterial, FieldQuantity, FieldDimensions, FieldTolerances, FieldSurfaceFinish, FieldDeadline}
	sort.Strings(out)
	return out
}
