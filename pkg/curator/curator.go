// Package curator 是系统的核心服务层：入库、分面浏览、单图审核和
// 决定记录都从这里进出。HTTP 层和 CLI 都只是它的薄适配器。
package curator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/database"
	"DatasetCleaner/pkg/facet"
	"DatasetCleaner/pkg/metadata"
	"DatasetCleaner/pkg/reconciler"
	"DatasetCleaner/pkg/scanner"
)

// ErrIngestionCancelled 表示入库在提交前被取消。
// 取消发生在一个事务之内，等价于"从未开始"，不会留下部分状态。
var ErrIngestionCancelled = errors.New("入库已取消")

// Options 控制 Curator 的入库与分面行为，通常来自 config.C.Ingest。
type Options struct {
	// FacetFields 是分面导航的字段顺序（如 location -> species）。
	FacetFields []string
	// WorkerCount 指纹工作池并发数。
	WorkerCount int
	// FilePatterns 参与扫描的扩展名，为空用内置图片扩展名。
	FilePatterns []string
	// ThumbnailSize >0 时入库生成预览图。
	ThumbnailSize int
	// BatchSize 是事务内单次批量写入的图片数，<=0 取 500。
	BatchSize int
}

// Curator 把解析、扫描、调和、存储和分面索引串成完整的服务。
type Curator struct {
	store database.Store
	opts  Options

	mu      sync.RWMutex
	indexes map[string]*facet.Index // 数据集名 -> 分面索引
}

func New(store database.Store, opts Options) *Curator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Curator{
		store:   store,
		opts:    opts,
		indexes: make(map[string]*facet.Index),
	}
}

// IngestRequest 是一次入库的全部输入。
// Metadata 为 nil 时本次入库没有元数据来源，所有文件都会是 orphaned-file。
type IngestRequest struct {
	Dataset string
	Root    string
	// Metadata 是表格元数据（CSV），JoinKey 指定连接键列。
	Metadata io.Reader
	JoinKey  string
}

// Ingest 执行一次完整入库：解析、扫描、调和，然后在一个事务里提交。
// 逐项错误收进报告，从不中断整批；存储不可用、根目录缺失、取消
// 才是硬失败。成功或失败都不留部分状态。
func (c *Curator) Ingest(ctx context.Context, req IngestRequest) (*models.IngestReport, error) {
	start := time.Now()
	slog.Info("开始入库", "dataset", req.Dataset, "root", req.Root)

	dataset, err := c.store.Datasets().FindOrCreateByName(ctx, req.Dataset, req.Root)
	if err != nil {
		return nil, fmt.Errorf("无法登记数据集: %w", err)
	}

	report := &models.IngestReport{Dataset: req.Dataset}

	// --- 解析元数据 ---
	var rows []metadata.Row
	if req.Metadata != nil {
		var rowErrs []error
		rows, rowErrs, err = metadata.Parse(req.Metadata, req.JoinKey)
		if err != nil {
			return nil, fmt.Errorf("元数据不可用: %w", err)
		}
		for _, rowErr := range rowErrs {
			kind := models.ErrKindInput
			var dup *metadata.DuplicateKeyError
			key := ""
			if errors.As(rowErr, &dup) {
				kind = models.ErrKindConsistency
				key = dup.Key
			}
			report.Errors = append(report.Errors, models.ReportError{
				Kind: kind, Key: key, Detail: rowErr.Error(),
			})
		}
	}

	// --- 上次入库的完整快照，既是调和基线也是扫描预过滤 ---
	prior, err := c.store.Images().AllByDataset(ctx, dataset.ID)
	if err != nil {
		return nil, fmt.Errorf("无法读取数据集快照: %w", err)
	}
	priorByPath := make(map[string]scanner.Prior, len(prior))
	for _, img := range prior {
		if img.Fingerprint == "" {
			continue
		}
		priorByPath[img.RelPath] = scanner.Prior{
			Size:           img.Size,
			ModTime:        img.ModTime,
			Fingerprint:    img.Fingerprint,
			PerceptualHash: img.PerceptualHash,
			Thumbnail:      img.Thumbnail,
		}
	}

	// --- 扫描文件树 ---
	records, warnings, err := scanner.Scan(ctx, req.Root, scanner.Options{
		WorkerCount:   c.opts.WorkerCount,
		Patterns:      c.opts.FilePatterns,
		ThumbnailSize: c.opts.ThumbnailSize,
		Prior:         priorByPath,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: 扫描阶段", ErrIngestionCancelled)
		}
		return nil, err
	}
	for _, w := range warnings {
		report.Errors = append(report.Errors, models.ReportError{
			Kind: models.ErrKindInput, Key: w.RelPath, Detail: w.Err.Error(),
		})
	}

	// --- 调和（单线程，需要全局一致视图） ---
	plan := reconciler.Reconcile(dataset.ID, rows, records, prior)
	report.Created = plan.Created
	report.Updated = plan.Updated
	report.Unchanged = plan.Unchanged
	report.OrphanedFiles = plan.OrphanedFiles
	report.OrphanedRows = plan.OrphanedRows
	report.Duplicates = plan.Duplicates
	report.Errors = append(report.Errors, plan.Errors...)

	// --- 单事务提交 ---
	tx, err := c.store.BeginIngest(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("无法开启入库事务: %w", err)
	}
	if err := c.writePlan(ctx, tx, plan); err != nil {
		_ = tx.Abort(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: 提交前", ErrIngestionCancelled)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("入库提交失败: %w", err)
	}

	// 提交之后才重建分面索引，读者看到的始终是一致状态
	if err := c.rebuildIndex(ctx, req.Dataset, dataset.ID); err != nil {
		slog.Warn("分面索引重建失败，将在下次查询时懒重建", "dataset", req.Dataset, "error", err)
		c.invalidateIndex(req.Dataset)
	}

	slog.Info("入库完成",
		"dataset", req.Dataset,
		"created", report.Created,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"orphanedFiles", report.OrphanedFiles,
		"orphanedRows", report.OrphanedRows,
		"errors", len(report.Errors),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return report, nil
}

// writePlan 在事务内分批写入调和结果。
func (c *Curator) writePlan(ctx context.Context, tx database.IngestTx, plan *reconciler.Plan) error {
	for start := 0; start < len(plan.Upserts); start += c.opts.BatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + c.opts.BatchSize
		if end > len(plan.Upserts) {
			end = len(plan.Upserts)
		}
		if err := tx.UpsertImages(ctx, plan.Upserts[start:end]); err != nil {
			return fmt.Errorf("批量写入图片失败: %w", err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return tx.ReplaceDuplicateGroups(ctx, plan.Duplicates)
}

// --- 分面导航 ---

// GetFacetChildren 返回数据集在 path 下一层的取值与计数。
func (c *Curator) GetFacetChildren(ctx context.Context, datasetName string, path []string) ([]models.FacetChild, error) {
	idx, err := c.ensureIndex(ctx, datasetName)
	if err != nil {
		return nil, err
	}
	return idx.Children(path)
}

// ListAtFacet 返回 path 下的图片列表，可按当前决定过滤，按身份键
// 升序分页。decisionFilter 为空或 "all" 时不过滤；"unset"（及其同义词）
// 匹配从未标注或已清除的图片。
func (c *Curator) ListAtFacet(ctx context.Context, datasetName string, path []string, decisionFilter string, page, limit int) ([]models.ImageSummary, int64, error) {
	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return nil, 0, err
	}
	idx, err := c.ensureIndex(ctx, datasetName)
	if err != nil {
		return nil, 0, err
	}
	members, err := idx.Members(path)
	if err != nil {
		return nil, 0, err
	}

	decisions, err := c.store.Annotations().CurrentMap(ctx, dataset.ID, members)
	if err != nil {
		return nil, 0, err
	}

	if decisionFilter != "" && decisionFilter != "all" {
		want, ok := models.NormalizeDecision(decisionFilter)
		if !ok {
			return nil, 0, fmt.Errorf("无法识别的决定过滤条件 %q", decisionFilter)
		}
		filtered := members[:0]
		for _, id := range members {
			cur, marked := decisions[id]
			if !marked {
				cur = models.DecisionUnset
			}
			if cur == want {
				filtered = append(filtered, id)
			}
		}
		members = filtered
	}

	total := int64(len(members))
	if limit > 0 {
		if page < 1 {
			page = 1
		}
		start := (page - 1) * limit
		if start >= len(members) {
			return []models.ImageSummary{}, total, nil
		}
		end := start + limit
		if end > len(members) {
			end = len(members)
		}
		members = members[start:end]
	}
	if len(members) == 0 {
		return []models.ImageSummary{}, total, nil
	}

	images, _, err := c.store.Images().Query(ctx, database.ImageFilter{
		DatasetID: dataset.ID,
		StableIDs: members,
	})
	if err != nil {
		return nil, 0, err
	}

	out := make([]models.ImageSummary, 0, len(images))
	for _, img := range images {
		decision, ok := decisions[img.StableID]
		if !ok {
			decision = models.DecisionUnset
		}
		out = append(out, models.ImageSummary{
			StableID:  img.StableID,
			RelPath:   img.RelPath,
			Status:    img.Status,
			Decision:  decision,
			Thumbnail: img.Thumbnail,
		})
	}
	return out, total, nil
}

// --- 单图审核 ---

// GetImageDetail 返回单图审核页所需的完整视图，含全部标注历史。
func (c *Curator) GetImageDetail(ctx context.Context, datasetName, stableID string) (*models.ImageDetail, error) {
	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return nil, err
	}
	img, err := c.store.Images().GetByStableID(ctx, dataset.ID, stableID)
	if err != nil {
		return nil, err
	}
	history, err := c.store.Annotations().History(ctx, dataset.ID, stableID)
	if err != nil {
		return nil, err
	}

	current := models.DecisionUnset
	if len(history) > 0 {
		current = history[len(history)-1].Decision
	}
	return &models.ImageDetail{
		StableID:        img.StableID,
		RelPath:         img.RelPath,
		Status:          img.Status,
		Fingerprint:     img.Fingerprint,
		PerceptualHash:  img.PerceptualHash,
		Size:            img.Size,
		ModTime:         img.ModTime,
		Metadata:        img.Metadata,
		Thumbnail:       img.Thumbnail,
		CurrentDecision: current,
		History:         history,
	}, nil
}

// SetDecision 记录一条审核决定。任何转换都允许，包括回到 unset；
// 每次调用都是一条新历史，旧条目永不改动。
func (c *Curator) SetDecision(ctx context.Context, datasetName, stableID string, decision models.Decision, reviewer, note string) (*models.Annotation, error) {
	if !models.ValidDecision(decision) {
		return nil, fmt.Errorf("无法识别的决定 %q", decision)
	}
	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return nil, err
	}
	return c.store.Annotations().Append(ctx, dataset.ID, stableID, decision, reviewer, note)
}

// --- 只读查询 ---

func (c *Curator) ListDatasets(ctx context.Context) ([]models.Dataset, error) {
	return c.store.Datasets().List(ctx)
}

// DuplicateGroups 返回最近一次入库计算出的指纹重复组。
func (c *Curator) DuplicateGroups(ctx context.Context, datasetName string) ([]models.DuplicateGroup, error) {
	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return nil, err
	}
	return c.store.Images().DuplicateGroups(ctx, dataset.ID)
}

// FindSimilar 按感知哈希查找与指定图片视觉相似的其他图片。
func (c *Curator) FindSimilar(ctx context.Context, datasetName, stableID string, limit int) ([]models.ImageSummary, error) {
	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return nil, err
	}
	img, err := c.store.Images().GetByStableID(ctx, dataset.ID, stableID)
	if err != nil {
		return nil, err
	}
	if img.PerceptualHash == "" {
		return []models.ImageSummary{}, nil
	}
	matches, err := c.store.Images().FindSimilarByPHash(ctx, dataset.ID, img.PerceptualHash, limit)
	if err != nil {
		return nil, err
	}

	out := make([]models.ImageSummary, 0, len(matches))
	for _, m := range matches {
		if m.StableID == stableID {
			continue
		}
		out = append(out, models.ImageSummary{
			StableID:  m.StableID,
			RelPath:   m.RelPath,
			Status:    m.Status,
			Thumbnail: m.Thumbnail,
		})
	}
	return out, nil
}

// --- 分面索引的生命周期 ---

// ensureIndex 取缓存的索引，没有就按存储当前状态懒重建。
func (c *Curator) ensureIndex(ctx context.Context, datasetName string) (*facet.Index, error) {
	c.mu.RLock()
	idx, ok := c.indexes[datasetName]
	c.mu.RUnlock()
	if ok {
		return idx, nil
	}

	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return nil, err
	}
	if err := c.rebuildIndex(ctx, datasetName, dataset.ID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexes[datasetName], nil
}

// rebuildIndex 按存储当前状态整体重建索引，结果原子替换旧索引。
// 索引只覆盖 active 图片，孤儿记录在存储层就被过滤掉。
func (c *Curator) rebuildIndex(ctx context.Context, datasetName string, datasetID primitive.ObjectID) error {
	images, _, err := c.store.Images().Query(ctx, database.ImageFilter{
		DatasetID: datasetID,
		Status:    models.StatusActive,
	})
	if err != nil {
		return err
	}
	idx := facet.Build(images, c.opts.FacetFields)

	c.mu.Lock()
	c.indexes[datasetName] = idx
	c.mu.Unlock()
	return nil
}

func (c *Curator) invalidateIndex(datasetName string) {
	c.mu.Lock()
	delete(c.indexes, datasetName)
	c.mu.Unlock()
}
