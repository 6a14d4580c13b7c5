package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quote-intake/internal/persistqueue"
)

// newQueueCmd 入站持久化队列的查看与修复
func newQueueCmd(a *app) *cobra.Command {
	var storePath string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "入站持久化队列维护",
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", "", "队列存储文件路径 为空时读取配置中的 inbox_persist_file")

	open := func() (*persistqueue.FileQueue, error) {
		path := strings.TrimSpace(storePath)
		if path == "" {
			cfg, err := a.loadConfig()
			if err != nil {
				return nil, err
			}
			path = cfg.InboxPersistFile
		}
		queue, err := persistqueue.NewFileQueue(path)
		if err != nil {
			return nil, storeErr(err)
		}
		return queue, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "peek",
			Short: "列出尚未确认的投递文件",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				queue, err := open()
				if err != nil {
					return err
				}
				entries := queue.Entries()
				fmt.Fprintf(a.stdout, "queue size: %d\n", len(entries))
				for index, e := range entries {
					fmt.Fprintf(a.stdout, "%d. %s (%s)\n", index+1, e.Item, e.EnqueuedAt.UTC().Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "清空队列 投递目录中的文件不受影响",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				queue, err := open()
				if err != nil {
					return err
				}
				if err := queue.Reset(); err != nil {
					return storeErr(err)
				}
				fmt.Fprintln(a.stdout, "queue reset ok")
				return nil
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "一行输出队列状态 降级时退出码为 3",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				queue, err := open()
				if err != nil {
					return err
				}
				return handleCheck(queue, a.stdout)
			},
		},
		&cobra.Command{
			Use:   "doctor",
			Short: "输出队列文件的完整诊断",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				queue, err := open()
				if err != nil {
					return err
				}
				return handleDoctor(queue, a.stdout)
			},
		},
	)
	return cmd
}

func handleCheck(queue *persistqueue.FileQueue, stdout io.Writer) error {
	stats := queue.HealthStats()
	if isDegraded, reason := checkDegradedReason(stats); isDegraded {
		fmt.Fprintf(stdout, "status=degraded queueSize=%d store=%s reason=%s\n", stats.Length, stats.StoreFile, reason)
		return degraded()
	}
	fmt.Fprintf(stdout, "status=ok queueSize=%d store=%s\n", stats.Length, stats.StoreFile)
	return nil
}

func handleDoctor(queue *persistqueue.FileQueue, stdout io.Writer) error {
	stats := queue.HealthStats()
	fileExists := false
	fileSizeBytes := int64(0)
	fileModTime := "-"
	if info, err := os.Stat(stats.StoreFile); err == nil {
		fileExists = true
		fileSizeBytes = info.Size()
		fileModTime = info.ModTime().UTC().Format(time.RFC3339)
	} else if !os.IsNotExist(err) {
		return storeErr(fmt.Errorf("读取队列文件状态失败: %w", err))
	}
	oldest := "-"
	if !stats.Oldest.IsZero() {
		oldest = stats.Oldest.UTC().Format(time.RFC3339)
	}

	fmt.Fprintln(stdout, "doctor report")
	fmt.Fprintf(stdout, "store=%s\n", stats.StoreFile)
	fmt.Fprintf(stdout, "storeExists=%t\n", fileExists)
	fmt.Fprintf(stdout, "storeSizeBytes=%d\n", fileSizeBytes)
	fmt.Fprintf(stdout, "storeModTime=%s\n", fileModTime)
	fmt.Fprintf(stdout, "queueSize=%d\n", stats.Length)
	fmt.Fprintf(stdout, "oldest=%s\n", oldest)
	fmt.Fprintf(stdout, "recoveredTotal=%d\n", stats.RecoveredTotal)
	fmt.Fprintf(stdout, "corruptFallbackTotal=%d\n", stats.CorruptFallbackTotal)
	fmt.Fprintf(stdout, "persistWriteFailureTotal=%d\n", stats.PersistWriteFailureTotal)
	if isDegraded, reason := checkDegradedReason(stats); isDegraded {
		fmt.Fprintln(stdout, "status=degraded")
		fmt.Fprintf(stdout, "reason=%s\n", reason)
		return degraded()
	}
	fmt.Fprintln(stdout, "status=ok")
	return nil
}

func checkDegradedReason(stats persistqueue.HealthStats) (bool, string) {
	if stats.CorruptFallbackTotal > 0 {
		return true, "检测到持久化文件损坏降级"
	}
	if stats.PersistWriteFailureTotal > 0 {
		return true, "检测到持久化写失败"
	}
	return false, ""
}
