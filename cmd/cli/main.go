package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"DatasetCleaner/config"
	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/curator"
	"DatasetCleaner/pkg/database"
	"DatasetCleaner/pkg/database/mongo"
)

func main() {
	// --- 1. 定义命令行参数 ---
	action := flag.String("action", "", "要执行的操作: ingest, list-datasets, facets, list-images, detail, set-decision, export, import, duplicates")
	dataset := flag.String("dataset", "", "数据集名称")
	root := flag.String("root", "", "用于 ingest 操作的图片根目录")
	csvPath := flag.String("csv", "", "用于 ingest/import 操作的CSV文件路径")
	joinKey := flag.String("join-key", "filename", "元数据中的连接键列名")
	facetPath := flag.String("path", "", "分面路径，取值用 '/' 分隔")
	decision := flag.String("decision", "", "决定: keep, discard, unsure, unset (或过滤条件)")
	stableID := flag.String("id", "", "图片身份键")
	reviewer := flag.String("reviewer", "", "审核人标识")
	note := flag.String("note", "", "决定备注")
	includeUnmarked := flag.Bool("include-unmarked", false, "导出时包含未标注的图片")
	page := flag.Int("page", 1, "分页页码")
	limit := flag.Int("limit", 20, "每页数量")

	flag.Parse()

	if *action == "" {
		fmt.Println("错误: 必须提供 -action 参数。")
		flag.Usage()
		os.Exit(1)
	}

	// --- 2. 初始化应用核心组件 ---
	// 假设 config.yaml 在项目根目录
	if err := config.LoadConfig("."); err != nil {
		log.Fatalf("FATAL: 无法加载配置: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	var db database.Store
	var err error
	db, err = mongo.NewStore(context.Background(), config.C)
	if err != nil {
		slog.Error("FATAL: 无法连接到数据库", "error", err)
		os.Exit(1)
	}
	defer db.Close(context.Background())
	if err := db.EnsureIndexes(context.Background()); err != nil {
		slog.Error("FATAL: 无法创建/验证数据库索引", "error", err)
		os.Exit(1)
	}

	core := curator.New(db, curator.Options{
		FacetFields:   config.C.Ingest.FacetFields,
		WorkerCount:   config.C.Ingest.WorkerCount,
		FilePatterns:  config.C.Ingest.FilePatterns,
		ThumbnailSize: config.C.Ingest.ThumbnailSize,
		BatchSize:     config.C.Ingest.BatchSize,
	})

	var path []string
	if *facetPath != "" {
		path = strings.Split(*facetPath, "/")
	}

	// --- 3. 根据 action 参数执行相应的功能 ---
	ctx := context.Background()
	switch *action {
	case "ingest":
		if *dataset == "" || *root == "" {
			fmt.Println("错误: ingest 操作需要提供 -dataset 和 -root 参数。")
			return
		}
		req := curator.IngestRequest{Dataset: *dataset, Root: *root, JoinKey: *joinKey}
		if *csvPath != "" {
			file, err := os.Open(*csvPath)
			if err != nil {
				slog.Error("无法打开元数据文件", "error", err)
				return
			}
			defer file.Close()
			req.Metadata = file
		}
		report, err := core.Ingest(ctx, req)
		if err != nil {
			slog.Error("入库失败", "error", err)
			return
		}
		fmt.Printf("--- 入库报告: %s ---\n", report.Dataset)
		fmt.Printf("新建: %d  更新: %d  未变化: %d\n", report.Created, report.Updated, report.Unchanged)
		fmt.Printf("孤儿文件: %d  孤儿元数据行: %d  重复组: %d\n",
			report.OrphanedFiles, report.OrphanedRows, len(report.Duplicates))
		for _, e := range report.Errors {
			fmt.Printf("  [%s] %s: %s\n", e.Kind, e.Key, e.Detail)
		}

	case "list-datasets":
		fmt.Println("--- 获取数据集列表 ---")
		datasets, err := core.ListDatasets(ctx)
		if err != nil {
			slog.Error("获取数据集列表失败", "error", err)
			return
		}
		for _, d := range datasets {
			fmt.Printf("Name: %s\n  Root: %s\n  LastIngest: %s\n\n",
				d.Name, d.RootPath, d.IngestedAt.Format("2006-01-02 15:04:05"))
		}

	case "facets":
		if *dataset == "" {
			fmt.Println("错误: facets 操作需要提供 -dataset 参数。")
			return
		}
		children, err := core.GetFacetChildren(ctx, *dataset, path)
		if err != nil {
			slog.Error("获取分面失败", "error", err)
			return
		}
		fmt.Printf("--- 数据集 '%s' 路径 %q 下的分面 ---\n", *dataset, *facetPath)
		for _, c := range children {
			fmt.Printf("  %s: %d\n", c.Value, c.Count)
		}

	case "list-images":
		if *dataset == "" {
			fmt.Println("错误: list-images 操作需要提供 -dataset 参数。")
			return
		}
		images, total, err := core.ListAtFacet(ctx, *dataset, path, *decision, *page, *limit)
		if err != nil {
			slog.Error("获取图片列表失败", "error", err)
			return
		}
		fmt.Printf("总共 %d 张图片 (第 %d 页，每页 %d):\n", total, *page, *limit)
		for _, img := range images {
			fmt.Printf("  %s  [%s/%s]  %s\n", img.StableID, img.Status, img.Decision, img.RelPath)
		}

	case "detail":
		if *dataset == "" || *stableID == "" {
			fmt.Println("错误: detail 操作需要提供 -dataset 和 -id 参数。")
			return
		}
		detail, err := core.GetImageDetail(ctx, *dataset, *stableID)
		if err != nil {
			slog.Error("获取图片详情失败", "error", err)
			return
		}
		fmt.Printf("%s  [%s]  当前决定: %s\n", detail.StableID, detail.Status, detail.CurrentDecision)
		for name, v := range detail.Metadata {
			if fv, ok := v.FacetValue(); ok {
				fmt.Printf("  %s = %s\n", name, fv)
			}
		}
		fmt.Printf("历史 (%d 条):\n", len(detail.History))
		for _, h := range detail.History {
			fmt.Printf("  %s  %s  by %s  %s\n",
				h.CreatedAt.Format("2006-01-02 15:04:05"), h.Decision, h.Reviewer, h.Note)
		}

	case "set-decision":
		if *dataset == "" || *stableID == "" || *decision == "" {
			fmt.Println("错误: set-decision 操作需要提供 -dataset、-id 和 -decision 参数。")
			return
		}
		d, ok := models.NormalizeDecision(*decision)
		if !ok {
			fmt.Printf("错误: 无法识别的决定 '%s'\n", *decision)
			return
		}
		if _, err := core.SetDecision(ctx, *dataset, *stableID, d, *reviewer, *note); err != nil {
			slog.Error("记录决定失败", "error", err)
			return
		}
		fmt.Printf("已记录: %s -> %s\n", *stableID, d)

	case "export":
		if *dataset == "" {
			fmt.Println("错误: export 操作需要提供 -dataset 参数。")
			return
		}
		if err := core.ExportDecisions(ctx, os.Stdout, *dataset, *includeUnmarked); err != nil {
			slog.Error("导出决定表失败", "error", err)
		}

	case "import":
		if *dataset == "" || *csvPath == "" {
			fmt.Println("错误: import 操作需要提供 -dataset 和 -csv 参数。")
			return
		}
		file, err := os.Open(*csvPath)
		if err != nil {
			slog.Error("无法打开决定表", "error", err)
			return
		}
		defer file.Close()
		stats, err := core.ImportDecisions(ctx, *dataset, file)
		if err != nil {
			slog.Error("导入决定表失败", "error", err)
			return
		}
		fmt.Printf("导入: %d  清除: %d  跳过(缺图): %d  跳过(过旧): %d  非法决定: %d\n",
			stats.Upserted, stats.Cleared, stats.SkippedMissing, stats.SkippedOlder, stats.InvalidDecision)

	case "duplicates":
		if *dataset == "" {
			fmt.Println("错误: duplicates 操作需要提供 -dataset 参数。")
			return
		}
		groups, err := core.DuplicateGroups(ctx, *dataset)
		if err != nil {
			slog.Error("获取重复组失败", "error", err)
			return
		}
		fmt.Printf("--- 数据集 '%s' 的重复组 (%d 组) ---\n", *dataset, len(groups))
		for _, g := range groups {
			fmt.Printf("  %s:\n", g.Fingerprint)
			for _, id := range g.StableIDs {
				fmt.Printf("    %s\n", id)
			}
		}

	default:
		fmt.Printf("错误: 未知的 action '%s'\n", *action)
		flag.Usage()
	}
}
