// 文件: cmd/cleaner-server/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"DatasetCleaner/config"
	"DatasetCleaner/internal/api"
	"DatasetCleaner/internal/task"
	"DatasetCleaner/pkg/curator"
	"DatasetCleaner/pkg/database"
	"DatasetCleaner/pkg/database/mongo"
	"DatasetCleaner/pkg/logger"
)

func main() {
	// --- 1. 初始化 ---
	if err := config.LoadConfig("."); err != nil {
		log.Fatalf("FATAL: 无法加载配置: %v", err)
	}
	if err := logger.InitLogger(); err != nil {
		log.Fatalf("FATAL: 无法初始化日志: %v", err)
	}
	slog.Info("应用启动")
	defer slog.Info("应用关闭")

	// --- 2. 连接数据库 ---
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
	slog.Info("数据库连接成功并已验证索引")

	// --- 3. 创建核心服务实例 ---
	core := curator.New(db, curator.Options{
		FacetFields:   config.C.Ingest.FacetFields,
		WorkerCount:   config.C.Ingest.WorkerCount,
		FilePatterns:  config.C.Ingest.FilePatterns,
		ThumbnailSize: config.C.Ingest.ThumbnailSize,
		BatchSize:     config.C.Ingest.BatchSize,
	})
	slog.Info("核心服务创建成功")

	taskManager := task.NewManager(core)
	slog.Info("任务管理器创建成功")

	// --- 4. 设置并启动HTTP服务器 ---
	router := api.RegisterRoutes(taskManager, core)

	server := &http.Server{
		Addr:         config.C.Server.Port,
		Handler:      router,
		ReadTimeout:  config.C.Server.Timeout,
		WriteTimeout: config.C.Server.Timeout,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP服务器正在启动...", "地址", config.C.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("无法启动HTTP服务器", "error", err)
		os.Exit(1)
	}
}
