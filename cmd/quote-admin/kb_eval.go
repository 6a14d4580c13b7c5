package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"quote-intake/internal/kb"
)

// hitrateSample 一条检索回归样本 ExpectAny 任一关键词出现在结果中即命中
type hitrateSample struct {
	Question  string   `json:"question"`
	ExpectAny []string `json:"expectAny"`
}

type retriever interface {
	Retrieve(ctx context.Context, query string, scope kb.Scope, opts kb.RetrieveOptions) (kb.Result, error)
}

func newKBHitrateCmd(a *app, scope func() kb.Scope) *cobra.Command {
	var limit int
	var minRatio float64
	cmd := &cobra.Command{
		Use:   "hitrate <samples.json>",
		Short: "用样本集评估检索命中率 低于 --min 时退出码为 3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := loadSamples(args[0])
			if err != nil {
				return storeErr(err)
			}
			core, err := a.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ratio, err := evaluateHitrate(cmd.Context(), core.Retriever, scope(), samples, limit, a.stdout)
			if err != nil {
				return storeErr(err)
			}
			if ratio < minRatio {
				return degraded()
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "每个问题的检索条数")
	cmd.Flags().Float64Var(&minRatio, "min", 0, "最低命中率 0~1")
	return cmd
}

func loadSamples(path string) ([]hitrateSample, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read samples failed: %w", err)
	}
	var samples []hitrateSample
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("parse samples failed: %w", err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("samples is empty")
	}
	return samples, nil
}

func evaluateHitrate(ctx context.Context, r retriever, scope kb.Scope, samples []hitrateSample, limit int, out io.Writer) (float64, error) {
	hit := 0
	for i, sample := range samples {
		res, err := r.Retrieve(ctx, sample.Question, scope, kb.RetrieveOptions{Limit: limit})
		if err != nil {
			return 0, fmt.Errorf("sample %d failed: %w", i+1, err)
		}
		ok := sampleHit(sample, res)
		if ok {
			hit++
		}
		fmt.Fprintf(out, "[%02d] %s => %s\n", i+1, sample.Question, boolLabel(ok))
		if len(res.Documents) > 0 {
			titles := make([]string, 0, len(res.Documents))
			for _, doc := range res.Documents {
				titles = append(titles, doc.Title)
			}
			fmt.Fprintf(out, "     candidates: %s\n", strings.Join(titles, " | "))
		}
	}
	ratio := float64(hit) / float64(len(samples))
	fmt.Fprintf(out, "\nHitrate: %d/%d = %.2f%%\n", hit, len(samples), ratio*100)
	return ratio, nil
}

func sampleHit(sample hitrateSample, res kb.Result) bool {
	if res.Empty {
		return false
	}
	if len(sample.ExpectAny) == 0 {
		return len(res.Documents) > 0
	}
	for _, doc := range res.Documents {
		corpus := strings.ToLower(doc.Title + "\n" + doc.Content)
		for _, keyword := range sample.ExpectAny {
			key := strings.ToLower(strings.TrimSpace(keyword))
			if key != "" && strings.Contains(corpus, key) {
				return true
			}
		}
	}
	return false
}

func boolLabel(v bool) string {
	if v {
		return "hit"
	}
	return "miss"
}
