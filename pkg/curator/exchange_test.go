package curator

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"testing"
	"time"

	"DatasetCleaner/internal/models"
)

func TestExportDecisions(t *testing.T) {
	c := newTestCurator()
	scenarioIngest(t, c, scenarioRoot(t))
	ctx := context.Background()

	if _, err := c.SetDecision(ctx, "slides", "a.jpg", models.DecisionKeep, "alice", "清晰"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := c.ExportDecisions(ctx, &buf, "slides", false); err != nil {
		t.Fatalf("ExportDecisions 失败: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	// 表头 + 只有 a.jpg 一条（其余未标注）
	if len(records) != 2 {
		t.Fatalf("导出行数 = %d, 期望 2: %v", len(records), records)
	}
	row := records[1]
	if row[0] != "slides" || row[1] != "a.jpg" || row[3] != "keep" || row[4] != "清晰" {
		t.Errorf("导出内容不对: %v", row)
	}
	if row[6] == "" || !strings.Contains(row[6], "Lab1") {
		t.Errorf("元数据 JSON 应包含 location 取值: %q", row[6])
	}

	// includeUnmarked 把未标注的也带上
	buf.Reset()
	if err := c.ExportDecisions(ctx, &buf, "slides", true); err != nil {
		t.Fatal(err)
	}
	records, err = csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 {
		t.Errorf("含未标注时导出行数 = %d, 期望 4 (表头+3张图)", len(records))
	}
}

func TestImportDecisionsNewerWins(t *testing.T) {
	c := newTestCurator()
	scenarioIngest(t, c, scenarioRoot(t))
	ctx := context.Background()

	if _, err := c.SetDecision(ctx, "slides", "a.jpg", models.DecisionKeep, "alice", ""); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	input := fmt.Sprintf("path,decision,note,updated_at\n"+
		"a.jpg,drop,太暗,%s\n"+ // 更新：同义词 drop -> discard
		"b.jpg,kept,,%s\n"+ // 新标注：kept -> keep
		"c.jpg,keep,,%s\n"+ // 比不存在的决定还旧？c.jpg 没标注过，时间无所谓
		"missing.jpg,keep,,%s\n"+ // 图片不存在
		"b.jpg,banana,,%s\n", // 非法决定
		future, future, future, future, future)

	stats, err := c.ImportDecisions(ctx, "slides", strings.NewReader(input))
	if err != nil {
		t.Fatalf("ImportDecisions 失败: %v", err)
	}
	if stats.Upserted != 3 || stats.SkippedMissing != 1 || stats.InvalidDecision != 1 {
		t.Errorf("统计不对: %+v", stats)
	}

	detail, err := c.GetImageDetail(ctx, "slides", "a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if detail.CurrentDecision != models.DecisionDiscard {
		t.Errorf("a.jpg 当前决定 = %s, 期望 discard", detail.CurrentDecision)
	}
	if len(detail.History) != 2 {
		t.Errorf("导入是追加而非覆盖, 历史条数 = %d", len(detail.History))
	}

	// 旧时间戳的行不能覆盖新决定
	stale := fmt.Sprintf("path,decision,updated_at\na.jpg,keep,%s\n", past)
	stats, err = c.ImportDecisions(ctx, "slides", strings.NewReader(stale))
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedOlder != 1 || stats.Upserted != 0 {
		t.Errorf("旧行应被跳过: %+v", stats)
	}
}

func TestImportDecisionsClear(t *testing.T) {
	c := newTestCurator()
	scenarioIngest(t, c, scenarioRoot(t))
	ctx := context.Background()

	if _, err := c.SetDecision(ctx, "slides", "a.jpg", models.DecisionKeep, "alice", ""); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	input := fmt.Sprintf("path,decision,updated_at\na.jpg,,%s\nb.jpg,,%s\n", future, future)
	stats, err := c.ImportDecisions(ctx, "slides", strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	// a.jpg 清除成功；b.jpg 本来就没标注，无可清除
	if stats.Cleared != 1 || stats.SkippedOlder != 1 {
		t.Errorf("统计不对: %+v", stats)
	}

	detail, err := c.GetImageDetail(ctx, "slides", "a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if detail.CurrentDecision != models.DecisionUnset {
		t.Errorf("清除后当前决定 = %s, 期望 unset", detail.CurrentDecision)
	}
	if len(detail.History) != 2 {
		t.Errorf("清除也是一条历史, 条数 = %d", len(detail.History))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestCurator()
	root := scenarioRoot(t)
	scenarioIngest(t, src, root)
	ctx := context.Background()

	if _, err := src.SetDecision(ctx, "slides", "a.jpg", models.DecisionKeep, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := src.SetDecision(ctx, "slides", "b.jpg", models.DecisionUnsure, "bob", "再看"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := src.ExportDecisions(ctx, &buf, "slides", false); err != nil {
		t.Fatal(err)
	}

	// 导入到一个刚入库、还没有任何决定的副本
	dst := newTestCurator()
	scenarioIngest(t, dst, root)
	stats, err := dst.ImportDecisions(ctx, "slides", &buf)
	if err != nil {
		t.Fatalf("ImportDecisions 失败: %v", err)
	}
	if stats.Upserted != 2 {
		t.Fatalf("期望 2 条导入: %+v", stats)
	}

	for stableID, want := range map[string]models.Decision{
		"a.jpg": models.DecisionKeep,
		"b.jpg": models.DecisionUnsure,
	} {
		detail, err := dst.GetImageDetail(ctx, "slides", stableID)
		if err != nil {
			t.Fatal(err)
		}
		if detail.CurrentDecision != want {
			t.Errorf("%s 当前决定 = %s, 期望 %s", stableID, detail.CurrentDecision, want)
		}
	}
}
