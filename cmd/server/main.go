// Package main 是应用程序的入口点。
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "docqa",
		Short:         "临床文档问答、摘要与实体抽取服务",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "配置文件路径")

	root.AddCommand(
		newServeCmd(&configPath),
		newSummarizeCmd(&configPath),
		newExtractCmd(&configPath),
		newAskCmd(&configPath),
	)
	return root
}
