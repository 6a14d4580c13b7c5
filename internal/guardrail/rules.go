package guardrail

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Ruleset 护栏关键词规则集 可通过 YAML 覆盖内置默认值
type Ruleset struct {
	Version             int         `yaml:"version" json:"version"`
	Quotation           KeywordRule `yaml:"quotation" json:"quotation"`
	Spam                SpamRule    `yaml:"spam" json:"spam"`
	OutOfScope          KeywordRule `yaml:"out_of_scope" json:"out_of_scope"`
	Complaint           KeywordRule `yaml:"complaint" json:"complaint"`
	TechnicalExtensions []string    `yaml:"technical_extensions" json:"technical_extensions"`
}

// KeywordRule 关键词列表 匹配不区分大小写
type KeywordRule struct {
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// SpamRule 垃圾邮件信号配置
type SpamRule struct {
	Keywords []string `yaml:"keywords" json:"keywords"`
	// CapsRunLetters 连续大写单词累计字母数达到该值记为一个信号
	CapsRunLetters int `yaml:"caps_run_letters" json:"caps_run_letters"`
	// PunctuationRun 连续感叹号或问号达到该长度记为一个信号
	PunctuationRun int `yaml:"punctuation_run" json:"punctuation_run"`
}

// DefaultRuleset 内置西语与英语规则
func DefaultRuleset() *Ruleset {
	rs := &Ruleset{
		Version: 1,
		Quotation: KeywordRule{Keywords: []string{
			"presupuesto", "cotización", "cotizacion", "oferta", "precio", "piezas", "pieza",
			"mecanizado", "mecanizar", "fabricación", "fabricacion", "plano", "unidades", "uds",
			"tolerancia", "aluminio", "acero", "latón", "laton", "torneado", "fresado",
			"quote", "quotation", "rfq", "parts", "machining", "drawing", "units",
		}},
		Spam: SpamRule{
			Keywords: []string{
				"free money", "click here", "haz clic aquí", "haz clic aqui", "gana dinero", "winner",
				"ganador", "lottery", "lotería", "loteria", "viagra", "casino", "bitcoin", "crypto",
				"100% gratis", "oferta exclusiva", "unsubscribe", "act now",
			},
			CapsRunLetters: 8,
			PunctuationRun: 3,
		},
		OutOfScope: KeywordRule{Keywords: []string{
			"currículum", "curriculum", "empleo", "trabajo", "vacante", "newsletter", "factura",
			"invoice", "marketing", "seo", "publicidad", "colaboración comercial", "partnership",
			"job", "resume", "webinar",
		}},
		Complaint: KeywordRule{Keywords: []string{
			"queja", "reclamación", "reclamacion", "defectuoso", "defectuosa", "devolución",
			"devolucion", "inaceptable", "retraso", "abogado", "denuncia",
			"complaint", "defective", "refund", "unacceptable", "lawyer",
		}},
		TechnicalExtensions: []string{
			".step", ".stp", ".iges", ".igs", ".dxf", ".dwg", ".pdf", ".stl", ".sldprt", ".x_t", ".ipt",
		},
	}
	_ = normalizeRuleset(rs)
	return rs
}

// LoadRules 读取规则文件 未填写的部分沿用默认规则
func LoadRules(path string) (*Ruleset, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRuleset(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取护栏规则失败: %w", err)
	}
	var loaded Ruleset
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("解析护栏规则失败: %w", err)
	}
	rs := DefaultRuleset()
	if len(loaded.Quotation.Keywords) > 0 {
		rs.Quotation = loaded.Quotation
	}
	if len(loaded.Spam.Keywords) > 0 {
		rs.Spam.Keywords = loaded.Spam.Keywords
	}
	if loaded.Spam.CapsRunLetters > 0 {
		rs.Spam.CapsRunLetters = loaded.Spam.CapsRunLetters
	}
	if loaded.Spam.PunctuationRun > 0 {
		rs.Spam.PunctuationRun = loaded.Spam.PunctuationRun
	}
	if len(loaded.OutOfScope.Keywords) > 0 {
		rs.OutOfScope = loaded.OutOfScope
	}
	if len(loaded.Complaint.Keywords) > 0 {
		rs.Complaint = loaded.Complaint
	}
	if len(loaded.TechnicalExtensions) > 0 {
		rs.TechnicalExtensions = loaded.TechnicalExtensions
	}
	if loaded.Version > 0 {
		rs.Version = loaded.Version
	}
	if err := normalizeRuleset(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func normalizeRuleset(rs *Ruleset) error {
	if rs == nil {
		return fmt.Errorf("护栏规则为空")
	}
	if rs.Version == 0 {
		rs.Version = 1
	}
	rs.Quotation.Keywords = cleanKeywords(rs.Quotation.Keywords)
	rs.Spam.Keywords = cleanKeywords(rs.Spam.Keywords)
	rs.OutOfScope.Keywords = cleanKeywords(rs.OutOfScope.Keywords)
	rs.Complaint.Keywords = cleanKeywords(rs.Complaint.Keywords)
	if len(rs.Quotation.Keywords) == 0 {
		return fmt.Errorf("询价关键词不能为空")
	}
	if rs.Spam.CapsRunLetters <= 0 {
		rs.Spam.CapsRunLetters = 8
	}
	if rs.Spam.PunctuationRun <= 0 {
		rs.Spam.PunctuationRun = 3
	}
	exts := make([]string, 0, len(rs.TechnicalExtensions))
	for _, ext := range cleanKeywords(rs.TechnicalExtensions) {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	rs.TechnicalExtensions = exts
	return nil
}

func cleanKeywords(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, val := range values {
		trimmed := strings.ToLower(strings.TrimSpace(val))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
