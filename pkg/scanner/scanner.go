package scanner

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"DatasetCleaner/pkg/hasher"
	"DatasetCleaner/pkg/thumbnailer"
)

// FileRecord 是扫描器产出的一条文件记录。
type FileRecord struct {
	// RelPath 是相对扫描根目录的路径，统一使用 "/" 分隔。
	RelPath string
	Size    int64
	ModTime time.Time

	// Fingerprint 是文件内容的 SHA-256。
	Fingerprint string
	// PerceptualHash 与 Thumbnail 只在文件可解码且需要时生成。
	PerceptualHash string
	Thumbnail      string
}

// ScanWarning 表示单个文件的问题（不可读、无法解码等）。
// 告警逐条上报并跳过对应文件，从不中断整个扫描。
type ScanWarning struct {
	RelPath string
	Err     error
}

func (w ScanWarning) Error() string {
	return fmt.Sprintf("扫描告警 %s: %v", w.RelPath, w.Err)
}

// RootNotFoundError 表示扫描根目录不存在或不是目录，扫描会立即失败。
type RootNotFoundError struct {
	Path string
}

func (e *RootNotFoundError) Error() string {
	return fmt.Sprintf("扫描根目录不存在: %s", e.Path)
}

// Prior 描述上一次入库时已知的文件状态。
// 大小与修改时间都未变时，直接复用旧指纹，避免重复哈希整个数据集。
type Prior struct {
	Size           int64
	ModTime        time.Time
	Fingerprint    string
	PerceptualHash string
	Thumbnail      string
}

// defaultLargeFileBytes 是流式处理的默认阈值。
const defaultLargeFileBytes = 32 << 20

// Options 控制一次扫描。
type Options struct {
	// WorkerCount 是指纹计算工作池的并发数，<=0 时取 CPU 核数。
	WorkerCount int
	// Patterns 限定参与扫描的扩展名（如 ".jpg"）。为空时使用内置图片扩展名。
	Patterns []string
	// ThumbnailSize >0 时为新文件/变更文件生成预览图。
	ThumbnailSize int
	// LargeFileBytes 及以上大小的文件改用流式哈希，不整个载入内存，
	// 也不生成内嵌预览图。<=0 时取 32MB。
	LargeFileBytes int64
	// Prior 以相对路径为键，提供上次入库的文件状态。
	Prior map[string]Prior
}

// walkEntry 是遍历阶段产出、交给工作池的待处理项。
type walkEntry struct {
	relPath string
	absPath string
	size    int64
	modTime time.Time
}

type scanResult struct {
	record  *FileRecord
	warning *ScanWarning
}

// Scan 遍历 root 下的文件树，产出文件记录与逐文件告警。
// 指纹在有界工作池中并行计算；ctx 取消时停止派发并返回 ctx 的错误，
// 已经产出的部分结果被丢弃。
func Scan(ctx context.Context, root string, opts Options) ([]FileRecord, []ScanWarning, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, nil, &RootNotFoundError{Path: root}
	}

	numWorkers := opts.WorkerCount
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if opts.LargeFileBytes <= 0 {
		opts.LargeFileBytes = defaultLargeFileBytes
	}

	// --- 阶段 1: 遍历目录树，收集待处理项 ---
	var entries []walkEntry
	var warnings []ScanWarning
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := relPath(root, path)
		if err != nil {
			warnings = append(warnings, ScanWarning{RelPath: rel, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !matchesPatterns(path, opts.Patterns) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			warnings = append(warnings, ScanWarning{RelPath: rel, Err: err})
			return nil
		}
		entries = append(entries, walkEntry{relPath: rel, absPath: path, size: fi.Size(), modTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// --- 阶段 2: 工作池并行计算指纹 ---
	jobs := make(chan walkEntry, numWorkers)
	results := make(chan scanResult, numWorkers)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go fingerprintWorker(&wg, jobs, results, opts)
	}

	dispatchErr := make(chan error, 1)
	go func() {
		defer close(jobs)
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				// 取消时停止派发，剩余文件不再处理
				dispatchErr <- ctx.Err()
				return
			case jobs <- entry:
			}
		}
		dispatchErr <- nil
	}()

	done := make(chan struct{})
	var records []FileRecord
	go func() {
		defer close(done)
		for res := range results {
			if res.record != nil {
				records = append(records, *res.record)
			}
			if res.warning != nil {
				warnings = append(warnings, *res.warning)
			}
		}
	}()

	wg.Wait()
	close(results)
	<-done

	if err := <-dispatchErr; err != nil {
		return nil, nil, err
	}

	// 按相对路径排序，保证重复扫描的结果顺序确定
	sort.Slice(records, func(i, j int) bool { return records[i].RelPath < records[j].RelPath })
	return records, warnings, nil
}

// fingerprintWorker 是处理单个文件的工人。
func fingerprintWorker(wg *sync.WaitGroup, jobs <-chan walkEntry, results chan<- scanResult, opts Options) {
	defer wg.Done()
	for job := range jobs {
		record := FileRecord{
			RelPath: job.relPath,
			Size:    job.size,
			ModTime: job.modTime,
		}

		// 廉价预过滤：大小与修改时间都没变的文件直接复用旧指纹
		if prior, ok := opts.Prior[job.relPath]; ok &&
			prior.Size == job.size && prior.ModTime.Equal(job.modTime) && prior.Fingerprint != "" &&
			!wantsPreviewBackfill(prior, opts, job.size) {
			record.Fingerprint = prior.Fingerprint
			record.PerceptualHash = prior.PerceptualHash
			record.Thumbnail = prior.Thumbnail
			results <- scanResult{record: &record}
			continue
		}

		// 超过阈值的文件流式哈希，不整个载入内存；这类文件不生成内嵌预览图
		if job.size >= opts.LargeFileBytes {
			fp, err := hasher.CalculateSHA256(job.absPath)
			if err != nil {
				w := ScanWarning{RelPath: job.relPath, Err: err}
				results <- scanResult{warning: &w}
				continue
			}
			record.Fingerprint = fp
			if pHash, err := hasher.CalculatePerceptualHash(job.absPath); err == nil {
				record.PerceptualHash = pHash
			} else {
				slog.Debug("文件无法解码，跳过感知哈希", "path", job.relPath, "error", err)
			}
			results <- scanResult{record: &record}
			continue
		}

		fileBytes, err := os.ReadFile(job.absPath)
		if err != nil {
			w := ScanWarning{RelPath: job.relPath, Err: err}
			results <- scanResult{warning: &w}
			continue
		}
		record.Fingerprint = hasher.CalculateSHA256FromBytes(fileBytes)

		// 解码失败不算致命：指纹仍然有效，图片照常入库，只是没有感知哈希
		if img, _, decodeErr := image.Decode(bytes.NewReader(fileBytes)); decodeErr == nil {
			record.PerceptualHash = hasher.CalculatePerceptualHashFromImage(img)
			if opts.ThumbnailSize > 0 {
				if thumb, err := thumbnailer.CreateBase64(img, opts.ThumbnailSize); err == nil {
					record.Thumbnail = thumb
				}
			}
		} else {
			slog.Debug("文件无法解码，跳过感知哈希", "path", job.relPath, "error", decodeErr)
		}

		results <- scanResult{record: &record}
	}
}

// wantsPreviewBackfill 判断旧记录是否缺一张本次要求生成的预览图。
// 可解码（有感知哈希）却没有预览图、且本次开启预览生成时，
// 该文件重新走完整处理，把预览图补上。
func wantsPreviewBackfill(prior Prior, opts Options, size int64) bool {
	return opts.ThumbnailSize > 0 &&
		prior.Thumbnail == "" &&
		prior.PerceptualHash != "" &&
		size < opts.LargeFileBytes
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return filepath.ToSlash(rel)
}

func matchesPatterns(path string, patterns []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if len(patterns) == 0 {
		switch ext {
		case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp":
			return true
		default:
			return false
		}
	}
	for _, p := range patterns {
		if strings.EqualFold(p, ext) {
			return true
		}
	}
	return false
}
