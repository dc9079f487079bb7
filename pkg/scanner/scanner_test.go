package scanner

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"DatasetCleaner/pkg/hasher"
)

// writePNG 在 dir 下写入一张可解码的小图片。
func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanProducesSortedRecords(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "b.png")
	writePNG(t, dir, filepath.Join("sub", "a.png"))
	// 非图片扩展名应被跳过
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	records, warnings, err := Scan(context.Background(), dir, Options{WorkerCount: 2})
	if err != nil {
		t.Fatalf("Scan 失败: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("不应有告警: %v", warnings)
	}
	if len(records) != 2 {
		t.Fatalf("期望 2 条记录，得到 %d", len(records))
	}
	if records[0].RelPath != "b.png" || records[1].RelPath != "sub/a.png" {
		t.Errorf("记录应按相对路径排序: %+v", records)
	}
	for _, r := range records {
		if r.Fingerprint == "" {
			t.Errorf("%s 缺少指纹", r.RelPath)
		}
		if r.Size <= 0 {
			t.Errorf("%s 大小无效", r.RelPath)
		}
		if r.PerceptualHash == "" {
			t.Errorf("%s 可解码却没有感知哈希", r.RelPath)
		}
	}
}

func TestScanReusesPriorFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "a.png")
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// 大小和修改时间都没变时，旧指纹必须原样带回（证明没有重新哈希）
	prior := map[string]Prior{
		"a.png": {Size: fi.Size(), ModTime: fi.ModTime(), Fingerprint: "prior-fp", PerceptualHash: "prior-ph"},
	}
	records, _, err := Scan(context.Background(), dir, Options{WorkerCount: 1, Prior: prior})
	if err != nil {
		t.Fatalf("Scan 失败: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("期望 1 条记录，得到 %d", len(records))
	}
	if records[0].Fingerprint != "prior-fp" || records[0].PerceptualHash != "prior-ph" {
		t.Errorf("未变化的文件应复用旧指纹: %+v", records[0])
	}
}

func TestScanStreamsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "big.png")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// 阈值压到 1 字节，任何文件都走流式分支；
	// 指纹必须与整块哈希一致，且这条路径不生成预览图
	records, warnings, err := Scan(context.Background(), dir, Options{
		WorkerCount:    1,
		ThumbnailSize:  16,
		LargeFileBytes: 1,
	})
	if err != nil {
		t.Fatalf("Scan 失败: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("不应有告警: %v", warnings)
	}
	if len(records) != 1 {
		t.Fatalf("期望 1 条记录，得到 %d", len(records))
	}
	if want := hasher.CalculateSHA256FromBytes(content); records[0].Fingerprint != want {
		t.Errorf("流式指纹 %s 与整块哈希 %s 不一致", records[0].Fingerprint, want)
	}
	if records[0].PerceptualHash == "" {
		t.Errorf("可解码的大文件仍应有感知哈希")
	}
	if records[0].Thumbnail != "" {
		t.Errorf("大文件不应生成内嵌预览图")
	}
}

func TestScanBackfillsMissingPreview(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "a.png")
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// 旧记录可解码却没有预览图：开启预览生成时预过滤不得放行，
	// 文件要重新处理并把预览图补上
	prior := map[string]Prior{
		"a.png": {Size: fi.Size(), ModTime: fi.ModTime(), Fingerprint: "prior-fp", PerceptualHash: "prior-ph"},
	}
	records, _, err := Scan(context.Background(), dir, Options{WorkerCount: 1, ThumbnailSize: 16, Prior: prior})
	if err != nil {
		t.Fatalf("Scan 失败: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("期望 1 条记录，得到 %d", len(records))
	}
	if records[0].Fingerprint == "prior-fp" {
		t.Errorf("缺预览图的文件应重新处理，而不是复用旧指纹")
	}
	if records[0].Thumbnail == "" {
		t.Errorf("重新处理后应带上预览图")
	}

	// 旧记录已有预览图时照常复用，不重复哈希
	prior["a.png"] = Prior{
		Size: fi.Size(), ModTime: fi.ModTime(),
		Fingerprint: "prior-fp", PerceptualHash: "prior-ph", Thumbnail: "prior-thumb",
	}
	records, _, err = Scan(context.Background(), dir, Options{WorkerCount: 1, ThumbnailSize: 16, Prior: prior})
	if err != nil {
		t.Fatalf("Scan 失败: %v", err)
	}
	if records[0].Fingerprint != "prior-fp" || records[0].Thumbnail != "prior-thumb" {
		t.Errorf("已有预览图的文件应复用旧记录: %+v", records[0])
	}
}

func TestScanRootNotFound(t *testing.T) {
	_, _, err := Scan(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{})
	var rootErr *RootNotFoundError
	if !errors.As(err, &rootErr) {
		t.Fatalf("期望 RootNotFoundError，得到 %v", err)
	}
}

func TestScanCancelled(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "a.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := Scan(ctx, dir, Options{WorkerCount: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 ctx 错误，得到 %v", err)
	}
}

func TestScanUnreadableFileBecomesWarning(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "ok.png")
	// 悬空符号链接：遍历可见，读取必然失败
	if err := os.Symlink(filepath.Join(dir, "gone.png"), filepath.Join(dir, "broken.png")); err != nil {
		t.Skipf("无法创建符号链接: %v", err)
	}

	records, warnings, err := Scan(context.Background(), dir, Options{WorkerCount: 1})
	if err != nil {
		t.Fatalf("单个坏文件不应中断扫描: %v", err)
	}
	if len(records) != 1 || records[0].RelPath != "ok.png" {
		t.Fatalf("健康文件应照常产出: %+v", records)
	}
	if len(warnings) != 1 || warnings[0].RelPath != "broken.png" {
		t.Fatalf("坏文件应产生一条告警: %+v", warnings)
	}
}
