// 本文件用于报价受理运维命令入口 复用守护进程的组件装配 不启动后台协程
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"quote-intake/internal/config"
	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/service"
)

const (
	exitCodeOK       = 0
	exitCodeUsage    = 1
	exitCodeStoreErr = 2
	exitCodeDegraded = 3
)

// exitError 携带退出码 err 为空时只改变退出码
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func degraded() error { return &exitError{code: exitCodeDegraded} }

func storeErr(err error) error { return &exitError{code: exitCodeStoreErr, err: err} }

type app struct {
	configPath string
	verbose    bool
	stdout     io.Writer
}

func main() {
	os.Exit(runWithArgs(os.Args[1:], os.Stdout, os.Stderr))
}

func runWithArgs(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitCodeOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "quote-admin 执行失败: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "quote-admin 参数错误: %v\n", err)
	return exitCodeUsage
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	a := &app{stdout: stdout}
	root := &cobra.Command{
		Use:           "quote-admin",
		Short:         "报价受理运维工具",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "配置文件路径")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "输出 info 级别日志")

	root.AddCommand(
		newClassifyCmd(a),
		newKBCmd(a),
		newRFQCmd(a),
		newInboxCmd(a),
		newQueueCmd(a),
	)
	return root
}

func (a *app) loadConfig() (*models.Config, error) {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	if !a.verbose {
		cfg.LogLevel = "error"
	}
	if err := logger.InitLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openCore 调用方负责 Close
func (a *app) openCore() (*service.Core, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	core, err := service.NewCore(cfg)
	if err != nil {
		return nil, storeErr(err)
	}
	return core, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
