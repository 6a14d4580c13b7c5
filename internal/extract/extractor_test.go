package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"quote-intake/internal/models"
)

func TestHeuristicExtractor(t *testing.T) {
	email := models.InboundEmail{
		Subject: "Presupuesto piezas",
		Body: "Buenos días,\nnecesitamos 1.500 uds en aluminio 6082, medidas 120x40x15 mm, " +
			"tolerancia ±0,05 mm, acabado anodizado. Entrega antes del 15/03/2025.",
		Attachments: []models.Attachment{{Filename: "soporte_v2.step"}},
	}
	fields, err := NewHeuristicExtractor().Extract(context.Background(), email)
	if err != nil {
		t.Fatalf("抽取失败: %v", err)
	}
	if fields.Material != "aluminio 6082" {
		t.Errorf("材料错误: %q", fields.Material)
	}
	if fields.Quantity != 1500 {
		t.Errorf("数量错误: %d", fields.Quantity)
	}
	if len(fields.Dimensions) != 1 || fields.Dimensions[0] != "120x40x15 mm" {
		t.Errorf("尺寸错误: %v", fields.Dimensions)
	}
	if len(fields.Tolerances) != 1 || fields.Tolerances[0] != "±0,05 mm" {
		t.Errorf("公差错误: %v", fields.Tolerances)
	}
	if fields.SurfaceFinish != "anodizado" {
		t.Errorf("表面处理错误: %q", fields.SurfaceFinish)
	}
	if fields.Deadline != "15/03/2025" {
		t.Errorf("交期错误: %q", fields.Deadline)
	}
	if fields.Confidence != 1 {
		t.Errorf("全部字段命中时置信度应为 1, 实际 %.2f", fields.Confidence)
	}
}

func TestExtractTextQuantityVariants(t *testing.T) {
	cases := map[string]int{
		"100 piezas aluminio":               100,
		"Cantidad: 25":                      25,
		"we need 40 pcs":                    40,
		"sin cantidad concreta":             0,
		"2 unidades de acero":               2,
		"pedido de 10 000 piezas":           10000,
		"pedido de 10.000 piezas":           10000,
		"lote de 1\u00a0500 uds":            1500,
		"Pedido 45\n200 piezas de aluminio": 200,
		"Ref 2024\n100 piezas":              100,
		"plano rev 3 250 uds":               250,
		"ref 000 piezas y 30 pcs":           30,
	}
	for text, want := range cases {
		if got := ExtractText(text).Quantity; got != want {
			t.Errorf("%q 期望 %d, 实际 %d", text, want, got)
		}
	}
}

func TestExtractTextMaterialPrefersLongest(t *testing.T) {
	if got := ExtractText("Piezas en acero inoxidable 316").Material; got != "acero inoxidable" {
		t.Fatalf("期望 acero inoxidable, 实际 %q", got)
	}
	if got := ExtractText("acero F114 bonificado").Material; got != "acero F114" {
		t.Fatalf("期望 acero F114, 实际 %q", got)
	}
	if got := ExtractText("necesitamos un presupuesto").Material; got != "" {
		t.Fatalf("不应识别出材料: %q", got)
	}
}

func TestMissingFieldsOrder(t *testing.T) {
	req := models.QuotationRequest{}
	got := MissingFields(req, []string{"material", "quantity"})
	if !reflect.DeepEqual(got, []string{"material", "quantity"}) {
		t.Fatalf("缺失字段错误: %v", got)
	}
	req.Quantity = 10
	got = MissingFields(req, []string{"material", "quantity", "deadline"})
	if !reflect.DeepEqual(got, []string{"material", "deadline"}) {
		t.Fatalf("缺失字段错误: %v", got)
	}
	req.Material = "acero"
	req.Deadline = "2 semanas"
	if got := MissingFields(req, []string{"material", "quantity", "deadline"}); len(got) != 0 {
		t.Fatalf("不应有缺失字段: %v", got)
	}
}

func TestMergeFirstWriteWins(t *testing.T) {
	dst := models.ExtractedFields{Material: "acero"}
	Merge(&dst, models.ExtractedFields{Material: "aluminio", Quantity: 5})
	if dst.Material != "acero" || dst.Quantity != 5 {
		t.Fatalf("合并结果错误: %+v", dst)
	}
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, models.InboundEmail) (models.ExtractedFields, error) {
	return models.ExtractedFields{}, errors.New("pdf parser down")
}

func TestChainIsolatesFailures(t *testing.T) {
	chain := Chain{failingExtractor{}, NewHeuristicExtractor()}
	fields, err := chain.Extract(context.Background(), models.InboundEmail{Body: "50 piezas de latón"})
	if err == nil {
		t.Fatalf("应返回首个错误")
	}
	if fields.Quantity != 50 || fields.Material != "latón" {
		t.Fatalf("其余抽取器结果应保留: %+v", fields)
	}
}

func TestClassifyServices(t *testing.T) {
	internal, external := ClassifyServices("Fresado CNC y anodizado negro, con tratamiento térmico", nil)
	if !reflect.DeepEqual(internal, []string{"fresado", "mecanizado"}) {
		t.Fatalf("内部工序错误: %v", internal)
	}
	if !reflect.DeepEqual(external, []string{"anodizado", "tratamiento térmico"}) {
		t.Fatalf("外协工序错误: %v", external)
	}

	internal, external = ClassifyServices("100 piezas aluminio", nil)
	if !reflect.DeepEqual(internal, []string{"mecanizado"}) || len(external) != 0 {
		t.Fatalf("默认工序错误: %v %v", internal, external)
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
internal:
  - name: electroerosión
    keywords: ["electroerosión", "edm"]
external:
  - name: pasivado
    keywords: ["pasivado"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入目录失败: %v", err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("加载目录失败: %v", err)
	}
	internal, external := ClassifyServices("Pieza por EDM con pasivado", catalog)
	if !reflect.DeepEqual(internal, []string{"electroerosión"}) || !reflect.DeepEqual(external, []string{"pasivado"}) {
		t.Fatalf("自定义目录分类错误: %v %v", internal, external)
	}
}
