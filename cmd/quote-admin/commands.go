package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quote-intake/internal/guardrail"
	"quote-intake/internal/inbox"
	"quote-intake/internal/kb"
	"quote-intake/internal/models"
)

const commandTimeout = 5 * time.Minute

func newClassifyCmd(a *app) *cobra.Command {
	var useLLM bool
	cmd := &cobra.Command{
		Use:   "classify <email.json>",
		Short: "对单封邮件运行护栏分类",
		Long:  "默认只运行确定性规则且不写审计 --llm 时使用完整分类器 包括 LLM 兜底与审计落盘",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := inbox.DecodeFile(args[0])
			if err != nil {
				return storeErr(err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			var result models.ClassificationResult
			if useLLM {
				core, err := a.openCore()
				if err != nil {
					return err
				}
				defer core.Close()
				result = core.Classifier.Classify(ctx, email)
			} else {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				rules := guardrail.DefaultRuleset()
				if path := strings.TrimSpace(cfg.GuardrailRulesFile); path != "" {
					if rules, err = guardrail.LoadRules(path); err != nil {
						return storeErr(err)
					}
				}
				result = guardrail.NewClassifier(rules).Classify(ctx, email)
			}
			return a.printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&useLLM, "llm", false, "启用 LLM 兜底并写入审计")
	return cmd
}

func newKBCmd(a *app) *cobra.Command {
	var agent, category string
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "知识库维护",
	}
	cmd.PersistentFlags().StringVar(&agent, "agent", guardrail.KnowledgeScope.Agent, "知识范围 agent")
	cmd.PersistentFlags().StringVar(&category, "category", guardrail.KnowledgeScope.Category, "知识范围 category")

	var operator string
	importCmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "导入目录下的 Markdown 文档",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := a.openCore()
			if err != nil {
				return err
			}
			defer core.Close()
			res, err := core.KB.ImportDocs(cmd.Context(), args[0], kb.Scope{Agent: agent, Category: category}, operator)
			if err != nil {
				return storeErr(err)
			}
			return a.printJSON(res)
		},
	}
	importCmd.Flags().StringVar(&operator, "operator", "quote-admin", "操作人")

	var limit int
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "按范围检索知识并输出拼装后的上下文",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := a.openCore()
			if err != nil {
				return err
			}
			defer core.Close()
			res, err := core.Retriever.Retrieve(cmd.Context(), strings.Join(args, " "),
				kb.Scope{Agent: agent, Category: category}, kb.RetrieveOptions{Limit: limit})
			if err != nil {
				return storeErr(err)
			}
			return a.printJSON(res)
		},
	}
	searchCmd.Flags().IntVar(&limit, "limit", 0, "最多返回条数 0 表示使用配置")

	scope := func() kb.Scope { return kb.Scope{Agent: agent, Category: category} }
	cmd.AddCommand(importCmd, searchCmd, newKBHitrateCmd(a, scope))
	return cmd
}

func newRFQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rfq",
		Short: "外部询价巡检",
	}
	var notify bool
	staleCmd := &cobra.Command{
		Use:   "stale",
		Short: "列出已过期仍未回复的询价 存在时退出码为 3",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := a.openCore()
			if err != nil {
				return err
			}
			defer core.Close()
			var report any
			count := 0
			if notify {
				r, err := core.Coordinator.SweepStale(cmd.Context())
				if err != nil {
					return storeErr(err)
				}
				report, count = r, r.Count
			} else {
				r, err := core.Coordinator.StaleReport(cmd.Context(), time.Time{})
				if err != nil {
					return storeErr(err)
				}
				report, count = r, r.Count
			}
			if err := a.printJSON(report); err != nil {
				return err
			}
			if count > 0 {
				return degraded()
			}
			return nil
		},
	}
	staleCmd.Flags().BoolVar(&notify, "notify", false, "同时发送陈旧询价通知")
	cmd.AddCommand(staleCmd)
	return cmd
}

func newInboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "入站邮件维护",
	}
	replayCmd := &cobra.Command{
		Use:   "replay <dir>",
		Short: "按批次重放目录中的邮件 单封失败不影响其余 有失败时退出码为 3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			emails, failures, err := inbox.LoadDir(args[0])
			if err != nil {
				return storeErr(err)
			}
			core, err := a.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			report := core.Coordinator.HandleBatch(ctx, emails)

			decodeErrors := make(map[string]string, len(failures))
			for path, err := range failures {
				decodeErrors[path] = err.Error()
			}
			if err := a.printJSON(map[string]any{
				"batch":        report,
				"decodeErrors": decodeErrors,
			}); err != nil {
				return err
			}
			if report.Failed > 0 || len(failures) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "重放完成: 成功 %d 失败 %d 解析失败 %d\n",
					report.Succeeded, report.Failed, len(failures))
				return degraded()
			}
			return nil
		},
	}
	cmd.AddCommand(replayCmd)
	return cmd
}
