package main

import (
	"context"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/service"
	"docqa-go/internal/vectorindex"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/tika"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// cliSession 是单个文件的一次性会话：内存索引，不落库。
type cliSession struct {
	tasks   service.TaskService
	doc     model.Document
	clients []interface{}
}

// Close 释放模型客户端。
func (s *cliSession) Close() {
	closeClient("embedding", s.clients[0])
	closeClient("llm", s.clients[1])
}

func openSession(ctx context.Context, configPath, path string) (*cliSession, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		return nil, err
	}

	embeddingClient, err := embedding.NewClient(ctx, cfg.Embedding)
	if err != nil {
		return nil, err
	}
	llmClient, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		closeClient("embedding", embeddingClient)
		return nil, err
	}
	session := &cliSession{clients: []interface{}{embeddingClient, llmClient}}
	metric, err := vectorindex.ParseMetric(cfg.RAG.Metric)
	if err != nil {
		session.Close()
		return nil, err
	}
	coordinator, err := pipeline.NewCoordinator(embeddingClient, vectorindex.NewMemoryIndex(metric), nil, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		session.Close()
		return nil, err
	}

	var extractor pipeline.TextExtractor
	if cfg.Tika.ServerURL != "" {
		extractor = tika.NewClient(cfg.Tika)
	}
	processor := pipeline.NewProcessor(nil, extractor, coordinator, nil, nil)

	data, err := os.ReadFile(path)
	if err != nil {
		session.Close()
		return nil, err
	}
	name := service.SecureFilename(filepath.Base(path))
	text, err := processor.ExtractText(ctx, name, data)
	if err != nil {
		session.Close()
		return nil, err
	}
	session.doc = model.Document{ID: service.DocumentIDFor(name, service.ContentMD5(data)), Name: name, Text: text}
	session.tasks = service.NewTaskService(coordinator, llmClient, cfg.RAG.TopK)
	return session, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSummarizeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize FILE",
		Short: "生成文档摘要",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), *configPath, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			summary, err := s.tasks.Summarize(cmd.Context(), s.doc)
			if err != nil {
				return err
			}
			for _, f := range summary.Labeled() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", f.Label, f.Value)
			}
			return nil
		},
	}
}

func newExtractCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "extract FILE",
		Short: "抽取临床实体",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), *configPath, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			entities, err := s.tasks.ExtractEntities(cmd.Context(), s.doc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entities)
		},
	}
}

func newAskCmd(configPath *string) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "ask FILE QUESTION",
		Short: "基于文档回答问题",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), *configPath, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			answer, err := s.tasks.Answer(cmd.Context(), s.doc, args[1], k)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "检索的分块数，0 表示使用配置的 top_k")
	return cmd
}
