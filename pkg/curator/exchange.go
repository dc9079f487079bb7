package curator

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/database"
)

// exchangeHeader 是决定表导出/导入的列布局。
var exchangeHeader = []string{"dataset", "path", "abs_path", "decision", "note", "updated_at", "metadata"}

// ImportStats 汇总一次决定表导入的逐行结果。
type ImportStats struct {
	Upserted        int `json:"upserted"`
	Cleared         int `json:"cleared"`
	SkippedMissing  int `json:"skippedMissing"`
	SkippedOlder    int `json:"skippedOlder"`
	InvalidDecision int `json:"invalidDecision"`
}

// ExportDecisions 把数据集的当前决定导出为 CSV。
// includeUnmarked 为 true 时连未标注的图片也导出（决定列为空）。
func (c *Curator) ExportDecisions(ctx context.Context, w io.Writer, datasetName string, includeUnmarked bool) error {
	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return err
	}
	images, err := c.store.Images().AllByDataset(ctx, dataset.ID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exchangeHeader); err != nil {
		return err
	}

	for i := range images {
		img := &images[i]
		current, err := c.store.Annotations().Current(ctx, dataset.ID, img.StableID)
		if err != nil {
			return err
		}

		decision, note, updatedAt := "", "", ""
		if current != nil && current.Decision != models.DecisionUnset {
			decision = string(current.Decision)
			note = current.Note
			updatedAt = current.CreatedAt.UTC().Format(time.RFC3339)
		} else if !includeUnmarked {
			continue
		}

		metaJSON, err := encodeMetadata(img.Metadata)
		if err != nil {
			return fmt.Errorf("无法序列化 %s 的元数据: %w", img.StableID, err)
		}
		record := []string{
			datasetName,
			img.StableID,
			filepath.Join(dataset.RootPath, filepath.FromSlash(img.RelPath)),
			decision,
			note,
			updatedAt,
			metaJSON,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ImportDecisions 从 CSV 批量导入决定，按"新者胜"规则合并：
// 行里的时间戳不比库内当前决定新，该行被跳过。决定取值接受宽松
// 同义词；空决定表示清除（追加一条 unset）。导入算一次批量标注
// 变更，结束后分面索引失效。
func (c *Curator) ImportDecisions(ctx context.Context, datasetName string, r io.Reader) (*ImportStats, error) {
	dataset, err := c.store.Datasets().GetByName(ctx, datasetName)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("无法读取表头: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF"))] = i
	}
	pathCol, ok := col["path"]
	if !ok {
		return nil, fmt.Errorf("缺少 path 列")
	}
	decisionCol, ok := col["decision"]
	if !ok {
		return nil, fmt.Errorf("缺少 decision 列")
	}

	cell := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	stats := &ImportStats{}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			stats.InvalidDecision++
			continue
		}
		if pathCol >= len(record) || strings.TrimSpace(record[pathCol]) == "" {
			stats.SkippedMissing++
			continue
		}
		stableID := strings.TrimSpace(record[pathCol])

		var rawDecision string
		if decisionCol < len(record) {
			rawDecision = record[decisionCol]
		}
		want, ok := models.NormalizeDecision(rawDecision)
		if !ok {
			stats.InvalidDecision++
			continue
		}

		var rowTime time.Time
		if raw := cell(record, "updated_at"); raw != "" {
			rowTime, err = time.Parse(time.RFC3339, raw)
			if err != nil {
				stats.InvalidDecision++
				continue
			}
		}

		if _, err := c.store.Images().GetByStableID(ctx, dataset.ID, stableID); err != nil {
			if errors.Is(err, database.ErrUnknownImage) {
				stats.SkippedMissing++
				continue
			}
			return nil, err
		}
		current, err := c.store.Annotations().Current(ctx, dataset.ID, stableID)
		if err != nil {
			return nil, err
		}

		// 新者胜：库内已有决定且不比这一行旧时，这一行作废
		if current != nil && !rowTime.After(current.CreatedAt) {
			stats.SkippedOlder++
			continue
		}
		if current == nil && want == models.DecisionUnset {
			// 从未标注的图片无可清除
			stats.SkippedOlder++
			continue
		}

		if _, err := c.store.Annotations().Append(ctx, dataset.ID, stableID, want, "import", cell(record, "note")); err != nil {
			return nil, err
		}
		if want == models.DecisionUnset {
			stats.Cleared++
		} else {
			stats.Upserted++
		}
	}

	if stats.Upserted+stats.Cleared > 0 {
		c.invalidateIndex(datasetName)
	}
	slog.Info("决定表导入完成",
		"dataset", datasetName,
		"upserted", stats.Upserted,
		"cleared", stats.Cleared,
		"skippedMissing", stats.SkippedMissing,
		"skippedOlder", stats.SkippedOlder,
		"invalid", stats.InvalidDecision,
	)
	return stats, nil
}

// encodeMetadata 把带类型的元数据折叠成导出用的普通 JSON 对象。
func encodeMetadata(fields map[string]models.FieldValue) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	plain := make(map[string]interface{}, len(fields))
	for name, v := range fields {
		switch {
		case v.Missing:
			plain[name] = nil
		case v.Kind == models.KindNumber:
			plain[name] = v.Num
		default:
			plain[name] = v.Str
		}
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
