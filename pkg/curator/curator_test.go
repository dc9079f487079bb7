package curator

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/database"
	"DatasetCleaner/pkg/database/memory"
	"DatasetCleaner/pkg/facet"
	"DatasetCleaner/pkg/logger"
)

func TestMain(m *testing.M) {
	slog.SetDefault(logger.Discard())
	os.Exit(m.Run())
}

// writePNG 写入一张内容由 seed 决定的小图片，不同 seed 指纹不同。
func writePNG(t *testing.T, dir, name string, seed uint8) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: seed, A: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func newTestCurator() *Curator {
	return New(memory.NewStore(), Options{
		FacetFields: []string{"location"},
		WorkerCount: 2,
	})
}

// scenarioRoot 准备标准场景：a/b/c 三张图，a 和 b 有元数据行。
func scenarioRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writePNG(t, dir, "a.jpg", 1)
	writePNG(t, dir, "b.jpg", 2)
	writePNG(t, dir, "c.jpg", 3)
	return dir
}

const scenarioCSV = "filename,location\na.jpg,Lab1\nb.jpg,Lab2\n"

func scenarioIngest(t *testing.T, c *Curator, root string) *models.IngestReport {
	t.Helper()
	report, err := c.Ingest(context.Background(), IngestRequest{
		Dataset:  "slides",
		Root:     root,
		Metadata: strings.NewReader(scenarioCSV),
		JoinKey:  "filename",
	})
	if err != nil {
		t.Fatalf("Ingest 失败: %v", err)
	}
	return report
}

func TestIngestReportAndFacets(t *testing.T) {
	c := newTestCurator()
	report := scenarioIngest(t, c, scenarioRoot(t))

	if report.Created != 2 {
		t.Errorf("Created = %d, 期望 2", report.Created)
	}
	if report.OrphanedFiles != 1 {
		t.Errorf("OrphanedFiles = %d, 期望 1", report.OrphanedFiles)
	}
	if report.OrphanedRows != 0 {
		t.Errorf("OrphanedRows = %d, 期望 0", report.OrphanedRows)
	}
	if len(report.Errors) != 0 {
		t.Errorf("不应有错误: %+v", report.Errors)
	}

	children, err := c.GetFacetChildren(context.Background(), "slides", nil)
	if err != nil {
		t.Fatalf("GetFacetChildren 失败: %v", err)
	}
	counts := map[string]int{}
	for _, ch := range children {
		counts[ch.Value] = ch.Count
	}
	// c.jpg 是 orphaned-file，不参与任何分桶
	if counts["Lab1"] != 1 || counts["Lab2"] != 1 || counts[facet.Unspecified] != 0 {
		t.Errorf("分面计数 = %v, 期望 Lab1:1 Lab2:1 unspecified:0", counts)
	}
}

func TestReingestBackfillsThumbnails(t *testing.T) {
	store := memory.NewStore()
	root := scenarioRoot(t)

	// 第一次入库不生成预览图
	flat := New(store, Options{FacetFields: []string{"location"}, WorkerCount: 2})
	scenarioIngest(t, flat, root)
	detail, err := flat.GetImageDetail(context.Background(), "slides", "a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if detail.Thumbnail != "" {
		t.Fatalf("尺寸为 0 时不应有预览图: %q", detail.Thumbnail)
	}

	// 调大预览尺寸后重新入库：文件没变，预览图也要补上
	withThumbs := New(store, Options{FacetFields: []string{"location"}, WorkerCount: 2, ThumbnailSize: 16})
	report := scenarioIngest(t, withThumbs, root)
	if report.Updated != 2 {
		t.Errorf("Updated = %d, 期望 2 (a 和 b 补预览图; c 是孤儿不计数)", report.Updated)
	}
	detail, err = withThumbs.GetImageDetail(context.Background(), "slides", "a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if detail.Thumbnail == "" {
		t.Error("重新入库后应补上预览图")
	}

	// 补齐之后恢复零写入
	report = scenarioIngest(t, withThumbs, root)
	if report.Updated != 0 || report.Unchanged != 3 {
		t.Errorf("预览图补齐后应零写入: updated=%d unchanged=%d", report.Updated, report.Unchanged)
	}
}

func TestReingestUnchangedIsZeroWrite(t *testing.T) {
	c := newTestCurator()
	root := scenarioRoot(t)
	scenarioIngest(t, c, root)

	report := scenarioIngest(t, c, root)
	if report.Created != 0 || report.Updated != 0 {
		t.Errorf("重复入库应零创建零更新: created=%d updated=%d", report.Created, report.Updated)
	}
	if report.Unchanged != 3 {
		t.Errorf("Unchanged = %d, 期望 3", report.Unchanged)
	}
}

func TestDecisionHistoryAppendOnly(t *testing.T) {
	c := newTestCurator()
	scenarioIngest(t, c, scenarioRoot(t))
	ctx := context.Background()

	if _, err := c.SetDecision(ctx, "slides", "a.jpg", models.DecisionKeep, "alice", ""); err != nil {
		t.Fatalf("SetDecision(keep) 失败: %v", err)
	}
	if _, err := c.SetDecision(ctx, "slides", "a.jpg", models.DecisionDiscard, "alice", "模糊"); err != nil {
		t.Fatalf("SetDecision(discard) 失败: %v", err)
	}

	detail, err := c.GetImageDetail(ctx, "slides", "a.jpg")
	if err != nil {
		t.Fatalf("GetImageDetail 失败: %v", err)
	}
	if len(detail.History) != 2 {
		t.Fatalf("历史条数 = %d, 期望 2", len(detail.History))
	}
	if detail.CurrentDecision != models.DecisionDiscard {
		t.Errorf("当前决定 = %s, 期望 discard", detail.CurrentDecision)
	}
	if detail.History[0].Decision != models.DecisionKeep {
		t.Error("第一条历史应是 keep，修正不能覆盖旧条目")
	}
}

func TestIdentityAndHistorySurviveReingest(t *testing.T) {
	c := newTestCurator()
	root := scenarioRoot(t)
	scenarioIngest(t, c, root)
	ctx := context.Background()

	if _, err := c.SetDecision(ctx, "slides", "a.jpg", models.DecisionKeep, "alice", ""); err != nil {
		t.Fatal(err)
	}

	// 元数据值变了，连接键没变
	changed := "filename,location\na.jpg,Lab9\nb.jpg,Lab2\n"
	report, err := c.Ingest(ctx, IngestRequest{
		Dataset:  "slides",
		Root:     root,
		Metadata: strings.NewReader(changed),
		JoinKey:  "filename",
	})
	if err != nil {
		t.Fatalf("Ingest 失败: %v", err)
	}
	if report.Updated != 1 || report.Created != 0 {
		t.Errorf("期望恰好 1 条更新: created=%d updated=%d", report.Created, report.Updated)
	}

	detail, err := c.GetImageDetail(ctx, "slides", "a.jpg")
	if err != nil {
		t.Fatalf("重入库后图片身份应保持: %v", err)
	}
	if len(detail.History) != 1 || detail.CurrentDecision != models.DecisionKeep {
		t.Errorf("标注历史必须跨入库保留: %+v", detail)
	}
	if got, _ := detail.Metadata["location"].FacetValue(); got != "Lab9" {
		t.Errorf("location = %q, 期望 Lab9", got)
	}
}

func TestListAtFacetDecisionFilter(t *testing.T) {
	c := newTestCurator()
	scenarioIngest(t, c, scenarioRoot(t))
	ctx := context.Background()

	if _, err := c.SetDecision(ctx, "slides", "a.jpg", models.DecisionKeep, "alice", ""); err != nil {
		t.Fatal(err)
	}

	kept, total, err := c.ListAtFacet(ctx, "slides", nil, "keep", 1, 10)
	if err != nil {
		t.Fatalf("ListAtFacet 失败: %v", err)
	}
	if total != 1 || len(kept) != 1 || kept[0].StableID != "a.jpg" {
		t.Errorf("keep 过滤结果 = %v (total %d), 期望只有 a.jpg", kept, total)
	}

	unmarked, total, err := c.ListAtFacet(ctx, "slides", nil, "unmarked", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(unmarked) != 1 || unmarked[0].StableID != "b.jpg" {
		t.Errorf("unmarked 过滤结果 = %v (total %d), 期望只有 b.jpg", unmarked, total)
	}

	all, total, err := c.ListAtFacet(ctx, "slides", nil, "", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(all) != 2 {
		t.Errorf("不过滤时应返回全部 active 图片: %v (total %d)", all, total)
	}
	if all[0].StableID != "a.jpg" || all[1].StableID != "b.jpg" {
		t.Errorf("列表应按身份键升序: %v", all)
	}
}

func TestIngestCancelled(t *testing.T) {
	c := newTestCurator()
	root := scenarioRoot(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Ingest(ctx, IngestRequest{
		Dataset:  "slides",
		Root:     root,
		Metadata: strings.NewReader(scenarioCSV),
		JoinKey:  "filename",
	})
	if !errors.Is(err, ErrIngestionCancelled) {
		t.Fatalf("期望 ErrIngestionCancelled, 得到 %v", err)
	}

	// 取消等价于"从未开始"：后续入库照常进行且从零创建
	report := scenarioIngest(t, c, root)
	if report.Created != 2 {
		t.Errorf("取消不应留下部分状态: created=%d", report.Created)
	}
}

func TestIngestDuplicateContent(t *testing.T) {
	c := newTestCurator()
	dir := t.TempDir()
	writePNG(t, dir, "a.jpg", 7)
	writePNG(t, dir, "copy/a.jpg", 7) // 字节级相同
	writePNG(t, dir, "b.jpg", 8)

	report, err := c.Ingest(context.Background(), IngestRequest{Dataset: "dups", Root: dir})
	if err != nil {
		t.Fatalf("Ingest 失败: %v", err)
	}
	if len(report.Duplicates) != 1 {
		t.Fatalf("重复组数量 = %d, 期望 1: %+v", len(report.Duplicates), report.Duplicates)
	}
	group := report.Duplicates[0]
	if len(group.StableIDs) != 2 || group.StableIDs[0] != "a.jpg" || group.StableIDs[1] != "copy/a.jpg" {
		t.Errorf("重复组成员 = %v", group.StableIDs)
	}

	// 两条记录都保留，可单独查询
	groups, err := c.DuplicateGroups(context.Background(), "dups")
	if err != nil || len(groups) != 1 {
		t.Errorf("DuplicateGroups = %v, %v", groups, err)
	}
}

func TestSetDecisionUnknownImage(t *testing.T) {
	c := newTestCurator()
	scenarioIngest(t, c, scenarioRoot(t))

	_, err := c.SetDecision(context.Background(), "slides", "nope.jpg", models.DecisionKeep, "alice", "")
	if !errors.Is(err, database.ErrUnknownImage) {
		t.Errorf("期望 ErrUnknownImage, 得到 %v", err)
	}
	_, err = c.SetDecision(context.Background(), "nope", "a.jpg", models.DecisionKeep, "alice", "")
	if !errors.Is(err, database.ErrUnknownDataset) {
		t.Errorf("期望 ErrUnknownDataset, 得到 %v", err)
	}
}

func TestFindSimilarByContent(t *testing.T) {
	c := newTestCurator()
	dir := t.TempDir()
	writePNG(t, dir, "a.jpg", 9)
	writePNG(t, dir, "twin.jpg", 9)
	writePNG(t, dir, "other.jpg", 200)

	if _, err := c.Ingest(context.Background(), IngestRequest{Dataset: "sim", Root: dir}); err != nil {
		t.Fatal(err)
	}

	similar, err := c.FindSimilar(context.Background(), "sim", "a.jpg", 10)
	if err != nil {
		t.Fatalf("FindSimilar 失败: %v", err)
	}
	found := false
	for _, s := range similar {
		if s.StableID == "a.jpg" {
			t.Error("结果不应包含查询图片自身")
		}
		if s.StableID == "twin.jpg" {
			found = true
		}
	}
	if !found {
		t.Errorf("内容相同的图片应被找到: %v", similar)
	}
}
