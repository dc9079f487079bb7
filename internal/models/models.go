package models

import (
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Timestamps 结构体嵌入到其他模型中，用于追踪创建和更新时间。
type Timestamps struct {
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// IngestStatus 表示一张图片在最近一次入库之后的归属状态。
type IngestStatus string

const (
	// StatusActive 文件在磁盘上存在，且有对应的元数据行。
	StatusActive IngestStatus = "active"
	// StatusOrphanedFile 文件在磁盘上存在，但没有元数据行。
	StatusOrphanedFile IngestStatus = "orphaned-file"
	// StatusOrphanedRow 有元数据行，但磁盘上找不到对应文件。
	StatusOrphanedRow IngestStatus = "orphaned-row"
)

// Decision 是一条审核决定。unset 表示尚未标注（或被清除）。
type Decision string

const (
	DecisionUnset   Decision = "unset"
	DecisionKeep    Decision = "keep"
	DecisionDiscard Decision = "discard"
	DecisionUnsure  Decision = "unsure"
)

// ValidDecision 检查 d 是否为四个合法取值之一。
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionUnset, DecisionKeep, DecisionDiscard, DecisionUnsure:
		return true
	}
	return false
}

// NormalizeDecision 把外部输入（CSV导入、API请求）宽松地归一化为合法决定。
// 接受常见同义词和大小写混写；无法识别时返回 false。
func NormalizeDecision(raw string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none", "null", "na", "unmarked", "unset", "clear":
		return DecisionUnset, true
	case "k", "keep", "kept", "keeps":
		return DecisionKeep, true
	case "d", "discard", "delete", "removed", "drop":
		return DecisionDiscard, true
	case "u", "unsure", "maybe", "review", "revisit":
		return DecisionUnsure, true
	}
	return "", false
}

// Dataset 代表一次入库登记的数据集，对应MongoDB中的一个文档。
// 名称在整个存储中唯一；数据集只会被创建，不会被自动删除。
type Dataset struct {
	ID primitive.ObjectID `bson:"_id,omitempty"`

	// Name 是数据集的唯一名称。
	Name string `bson:"name"`

	// RootPath 是图片文件树的根目录（绝对路径）。
	RootPath string `bson:"rootPath"`

	// IngestedAt 记录最近一次成功入库的时间。
	IngestedAt time.Time `bson:"ingestedAt"`

	Timestamps
}

// ValueKind 区分元数据值的三种带标签形态。
type ValueKind string

const (
	KindString      ValueKind = "string"
	KindNumber      ValueKind = "number"
	KindCategorical ValueKind = "categorical"
)

// FieldValue 是一个带类型标签的元数据值。
// Missing 为 true 表示该单元格为空或无法解析（解析阶段不中断整批文件）。
type FieldValue struct {
	Kind    ValueKind `bson:"kind"`
	Str     string    `bson:"str,omitempty"`
	Num     float64   `bson:"num,omitempty"`
	Missing bool      `bson:"missing,omitempty"`
}

// FacetValue 返回可用于分面导航的取值。
// 只有 categorical 和 number 参与分面；缺失值与自由文本不参与。
func (v FieldValue) FacetValue() (string, bool) {
	if v.Missing {
		return "", false
	}
	switch v.Kind {
	case KindCategorical:
		return v.Str, true
	case KindNumber:
		// 'g' 格式让 1.0 这类取值显示为 "1"
		return strconv.FormatFloat(v.Num, 'g', -1, 64), true
	}
	return "", false
}

// Image 代表数据集根目录下的一个物理文件（或只剩元数据行的孤儿记录）。
type Image struct {
	ID primitive.ObjectID `bson:"_id,omitempty"`

	// DatasetID 指向所属的 Dataset 文档。
	DatasetID primitive.ObjectID `bson:"datasetId"`

	// StableID 是跨越多次入库保持不变的身份键：
	// 有元数据行时取连接键，否则取归一化后的相对路径。
	// (datasetId, stableId) 上有唯一索引。
	StableID string `bson:"stableId"`

	// RelPath 是相对数据集根目录的路径（统一使用 "/" 分隔）。
	RelPath string `bson:"relPath"`

	// Fingerprint 是文件内容的 SHA-256，用于精确重复检测。
	// 孤儿元数据行没有文件，此字段为空。
	Fingerprint string `bson:"fingerprint,omitempty"`

	// PerceptualHash 是感知哈希，用于查找视觉上相似的图片。
	PerceptualHash string `bson:"perceptualHash,omitempty"`

	Size    int64     `bson:"size"`
	ModTime time.Time `bson:"modTime"`

	// Status 在每次重新入库时重算，浏览期间从不改动。
	Status IngestStatus `bson:"status"`

	// Metadata 是字段名到带类型值的映射；键在单张图片内唯一。
	Metadata map[string]FieldValue `bson:"metadata,omitempty"`

	// Thumbnail 是入库时生成的 Base64 预览图（可为空）。
	Thumbnail string `bson:"thumbnail,omitempty"`

	Timestamps
}

// ContentEqual 判断两条图片记录在入库视角下是否完全一致。
// 重新入库时据此决定"零写入"：一致则完全跳过该图片。
func (img *Image) ContentEqual(other *Image) bool {
	if img.RelPath != other.RelPath ||
		img.Fingerprint != other.Fingerprint ||
		img.PerceptualHash != other.PerceptualHash ||
		img.Thumbnail != other.Thumbnail ||
		img.Size != other.Size ||
		!img.ModTime.Equal(other.ModTime) ||
		img.Status != other.Status {
		return false
	}
	if len(img.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range img.Metadata {
		if ov, ok := other.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Annotation 是一条只追加的审核历史记录。
// 任何修正都是新条目，旧条目永不删除或覆盖。
type Annotation struct {
	ID primitive.ObjectID `bson:"_id,omitempty"`

	DatasetID primitive.ObjectID `bson:"datasetId"`
	StableID  string             `bson:"stableId"`

	Decision Decision `bson:"decision"`
	Reviewer string   `bson:"reviewer"`
	Note     string   `bson:"note,omitempty"`

	// Seq 是写入时分配的单调序号，用于同一时间戳的平局判定。
	Seq int64 `bson:"seq"`

	CreatedAt time.Time `bson:"createdAt"`
}

// After 判断 a 是否比 b 更新："当前决定"取时间戳最新的条目，
// 时间戳相同时取序号更大的。
func (a *Annotation) After(b *Annotation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}

// DuplicateGroup 记录一组指纹相同、路径不同的图片。
// 引擎从不删除文件或合并记录，只把这种关系标记出来。
type DuplicateGroup struct {
	DatasetID   primitive.ObjectID `bson:"datasetId" json:"-"`
	Fingerprint string             `bson:"fingerprint" json:"fingerprint"`
	StableIDs   []string           `bson:"stableIds" json:"stableIds"`
}

// ReportErrorKind 对应错误设计中的分类。
type ReportErrorKind string

const (
	ErrKindInput       ReportErrorKind = "input"
	ErrKindConsistency ReportErrorKind = "consistency"
)

// ReportError 是入库报告中的一条逐项错误。
type ReportError struct {
	Kind   ReportErrorKind `json:"kind"`
	Key    string          `json:"key,omitempty"`
	Detail string          `json:"detail"`
}

// IngestReport 是每次入库（无论成败）都会产出的结果汇总。
// Created/Updated 只统计 active 图片；孤儿按当前状态计数。
type IngestReport struct {
	Dataset       string           `json:"dataset"`
	Created       int              `json:"created"`
	Updated       int              `json:"updated"`
	Unchanged     int              `json:"unchanged"`
	OrphanedFiles int              `json:"orphanedFiles"`
	OrphanedRows  int              `json:"orphanedRows"`
	Duplicates    []DuplicateGroup `json:"duplicates,omitempty"`
	Errors        []ReportError    `json:"errors,omitempty"`
}

// FacetChild 是某个分面路径下的一个子取值及其图片数。
type FacetChild struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ImageSummary 是列表查询返回的轻量视图。
type ImageSummary struct {
	StableID  string       `json:"stableId"`
	RelPath   string       `json:"relPath"`
	Status    IngestStatus `json:"status"`
	Decision  Decision     `json:"decision"`
	Thumbnail string       `json:"thumbnail,omitempty"`
}

// ImageDetail 是单图审核页使用的完整视图，含全部标注历史。
type ImageDetail struct {
	StableID        string                `json:"stableId"`
	RelPath         string                `json:"relPath"`
	Status          IngestStatus          `json:"status"`
	Fingerprint     string                `json:"fingerprint,omitempty"`
	PerceptualHash  string                `json:"perceptualHash,omitempty"`
	Size            int64                 `json:"size"`
	ModTime         time.Time             `json:"modTime"`
	Metadata        map[string]FieldValue `json:"metadata,omitempty"`
	Thumbnail       string                `json:"thumbnail,omitempty"`
	CurrentDecision Decision              `json:"currentDecision"`
	History         []Annotation          `json:"history"`
}
