package metadata

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"DatasetCleaner/internal/models"
)

// Row 是一条归一化后的元数据行。
type Row struct {
	// JoinKey 是连接键列的原始取值，已做路径归一化。
	JoinKey string
	// Index 是该行在输入中的行号（首个数据行为 1，表头为 0）。
	Index int
	// Fields 是除连接键外的所有字段，键在行内唯一。
	Fields map[string]models.FieldValue
}

// DuplicateKeyError 表示同一份输入中出现了重复的连接键。
// 只有受影响的行被跳过（保留首次出现），整批解析不会中断。
type DuplicateKeyError struct {
	Key          string
	FirstRow     int
	DuplicateRow int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("重复的连接键 %q: 第 %d 行与第 %d 行", e.Key, e.FirstRow, e.DuplicateRow)
}

// freeTextThreshold 以上长度（或含换行）的取值视为自由文本，不参与分面。
const freeTextThreshold = 80

// Parse 把表格输入解析为归一化行集。
// 表头行定义字段名；joinKey 指定连接键列。
// 空/畸形单元格记为 missing 而不是报错——单个坏单元格不允许中断整个文件；
// 重复连接键等行级问题收集在第二个返回值里。
// 只有输入本身不可读或缺少连接键列时才返回第三个返回值。
func Parse(r io.Reader, joinKey string) ([]Row, []error, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("无法读取表头: %w", err)
	}
	if len(header) > 0 {
		// 去掉UTF-8 BOM，避免首列名带不可见前缀
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	keyCol := -1
	for i, name := range header {
		header[i] = strings.TrimSpace(name)
		if header[i] == joinKey {
			keyCol = i
		}
	}
	if keyCol < 0 {
		return nil, nil, fmt.Errorf("缺少连接键列 %q", joinKey)
	}

	var rows []Row
	var rowErrs []error
	seen := make(map[string]int) // 连接键 -> 首次出现的行号

	for index := 1; ; index++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// 畸形行：跳过该行，继续解析其余部分
			rowErrs = append(rowErrs, fmt.Errorf("第 %d 行无法解析: %w", index, err))
			continue
		}

		if keyCol >= len(record) || strings.TrimSpace(record[keyCol]) == "" {
			rowErrs = append(rowErrs, fmt.Errorf("第 %d 行缺少连接键", index))
			continue
		}
		key := NormalizeJoinKey(record[keyCol])

		if first, dup := seen[key]; dup {
			rowErrs = append(rowErrs, &DuplicateKeyError{Key: key, FirstRow: first, DuplicateRow: index})
			continue
		}
		seen[key] = index

		fields := make(map[string]models.FieldValue, len(header)-1)
		for i, name := range header {
			if i == keyCol || name == "" {
				continue
			}
			var cell string
			if i < len(record) {
				cell = record[i]
			}
			fields[name] = typeCell(cell)
		}
		rows = append(rows, Row{JoinKey: key, Index: index, Fields: fields})
	}

	return rows, rowErrs, nil
}

// typeCell 在解析时就把单元格定型为带标签的变体值。
func typeCell(cell string) models.FieldValue {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return models.FieldValue{Missing: true}
	}
	if num, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return models.FieldValue{Kind: models.KindNumber, Num: num}
	}
	if len(trimmed) > freeTextThreshold || strings.ContainsAny(trimmed, "\n\r") {
		return models.FieldValue{Kind: models.KindString, Str: trimmed}
	}
	return models.FieldValue{Kind: models.KindCategorical, Str: trimmed}
}

// NormalizeJoinKey 归一化路径形式的连接键：统一分隔符并去掉冗余前缀。
func NormalizeJoinKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	return key
}
