// 本文件用于区分车间内部工序与需要外协的工序
package extract

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// ServiceEntry 服务及其触发关键词
type ServiceEntry struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// ServiceCatalog 内部工序与需要外协的工序
type ServiceCatalog struct {
	Internal []ServiceEntry `yaml:"internal" json:"internal"`
	External []ServiceEntry `yaml:"external" json:"external"`
	// DefaultInternal 未识别到任何内部工序时默认归入的工序
	DefaultInternal string `yaml:"default_internal" json:"default_internal"`
}

// DefaultCatalog 车间默认服务目录
func DefaultCatalog() *ServiceCatalog {
	return &ServiceCatalog{
		Internal: []ServiceEntry{
			{Name: "fresado", Keywords: []string{"fresado", "fresar", "fresadora", "milling"}},
			{Name: "torneado", Keywords: []string{"torneado", "tornear", "torno", "turning"}},
			{Name: "taladrado", Keywords: []string{"taladrado", "taladro", "roscado", "drilling"}},
			{Name: "mecanizado", Keywords: []string{"mecanizado", "mecanizar", "cnc", "machining"}},
		},
		External: []ServiceEntry{
			{Name: "anodizado", Keywords: []string{"anodizado", "anodizada", "anodizar", "anodizing", "anodized"}},
			{Name: "tratamiento térmico", Keywords: []string{"tratamiento térmico", "tratamiento termico", "templado", "temple", "revenido", "heat treatment"}},
			{Name: "cromado", Keywords: []string{"cromado", "cromar", "chrome plating"}},
			{Name: "zincado", Keywords: []string{"zincado", "galvanizado", "zinc plating"}},
			{Name: "niquelado", Keywords: []string{"niquelado", "nickel plating"}},
			{Name: "pintura", Keywords: []string{"pintado", "pintura", "lacado", "powder coating"}},
		},
		DefaultInternal: "mecanizado",
	}
}

// LoadCatalog 读取 YAML 服务目录 路径为空时返回默认目录
func LoadCatalog(path string) (*ServiceCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取服务目录失败: %w", err)
	}
	var catalog ServiceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("解析服务目录失败: %w", err)
	}
	if len(catalog.Internal) == 0 && len(catalog.External) == 0 {
		return nil, fmt.Errorf("服务目录为空: %s", path)
	}
	return &catalog, nil
}

// ClassifyServices 根据文本识别内部工序与外协工序 结果按目录顺序排列
func ClassifyServices(text string, catalog *ServiceCatalog) (internal, external []string) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	lower := strings.ToLower(text)
	internal = matchServices(lower, catalog.Internal)
	external = matchServices(lower, catalog.External)
	if len(internal) == 0 && catalog.DefaultInternal != "" {
		internal = []string{catalog.DefaultInternal}
	}
	if external == nil {
		external = []string{}
	}
	return internal, external
}

func matchServices(lower string, entries []ServiceEntry) []string {
	var out []string
	for _, entry := range entries {
		for _, kw := range entry.Keywords {
			if indexWord(lower, strings.ToLower(strings.TrimSpace(kw))) >= 0 {
				out = append(out, entry.Name)
				break
			}
		}
	}
	return out
}
