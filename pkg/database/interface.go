package database

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"DatasetCleaner/internal/models"
)

var (
	// ErrUnknownDataset 请求的数据集不存在。
	ErrUnknownDataset = errors.New("数据集不存在")
	// ErrUnknownImage 请求的图片不存在。
	ErrUnknownImage = errors.New("图片不存在")
	// ErrStoreUnavailable 存储不可用（连接失败、事务无法开启等），对当次入库是致命的。
	ErrStoreUnavailable = errors.New("存储不可用")
)

// Store 是一个顶层接口，它组合了所有特定数据模型的存储接口。
type Store interface {
	Datasets() DatasetStore
	Images() ImageStore
	Annotations() AnnotationStore

	// BeginIngest 为一次入库打开独占的写事务作用域。
	// 一次入库的全部 upsert 都发生在这一个事务里，原子提交；
	// 提交前崩溃或中止，存储停留在入库前的状态。
	BeginIngest(ctx context.Context, dataset *models.Dataset) (IngestTx, error)

	EnsureIndexes(ctx context.Context) error
	Close(ctx context.Context) error
}

// DatasetStore 定义了所有与 Dataset 模型相关的存储操作。
type DatasetStore interface {
	// FindOrCreateByName 按唯一名称查找或创建数据集，并把根目录更新为最新值。
	FindOrCreateByName(ctx context.Context, name, rootPath string) (*models.Dataset, error)
	GetByName(ctx context.Context, name string) (*models.Dataset, error)
	List(ctx context.Context) ([]models.Dataset, error)
}

// ImageFilter 是 Query 的筛选条件；零值字段不参与筛选。
type ImageFilter struct {
	DatasetID primitive.ObjectID
	Status    models.IngestStatus
	// StableIDs 非空时只返回这些身份键对应的图片。
	StableIDs []string
	// Page 从 1 开始；Limit <=0 时不分页。
	Page  int
	Limit int
}

// ImageStore 定义了所有与 Image 模型相关的存储操作。
type ImageStore interface {
	GetByStableID(ctx context.Context, datasetID primitive.ObjectID, stableID string) (*models.Image, error)
	// AllByDataset 返回数据集下全部图片，按身份键升序。
	// 调和引擎以此为上一次入库的完整快照。
	AllByDataset(ctx context.Context, datasetID primitive.ObjectID) ([]models.Image, error)
	// Query 按条件返回图片，始终按身份键升序（分页结果确定）。
	Query(ctx context.Context, filter ImageFilter) ([]models.Image, int64, error)
	// FindSimilarByPHash 按感知哈希精确匹配查找视觉相似的图片。
	FindSimilarByPHash(ctx context.Context, datasetID primitive.ObjectID, pHash string, limit int) ([]models.Image, error)
	// DuplicateGroups 返回数据集下所有指纹重复组。
	DuplicateGroups(ctx context.Context, datasetID primitive.ObjectID) ([]models.DuplicateGroup, error)
}

// AnnotationStore 定义了只追加的标注历史操作。
type AnnotationStore interface {
	// Append 原子地追加一条标注记录并分配单调序号。
	// 图片不存在时返回 ErrUnknownImage；历史条目永不删除或覆盖。
	Append(ctx context.Context, datasetID primitive.ObjectID, stableID string, decision models.Decision, reviewer, note string) (*models.Annotation, error)
	// History 按 (时间戳, 序号) 升序返回一张图片的全部历史。
	History(ctx context.Context, datasetID primitive.ObjectID, stableID string) ([]models.Annotation, error)
	// Current 返回最新条目；从未标注时返回 nil（视为 unset）。
	Current(ctx context.Context, datasetID primitive.ObjectID, stableID string) (*models.Annotation, error)
	// CurrentMap 批量取当前决定，键为身份键；没有历史的图片不在结果里。
	CurrentMap(ctx context.Context, datasetID primitive.ObjectID, stableIDs []string) (map[string]models.Decision, error)
}

// IngestTx 是一次入库的事务作用域。Commit 或 Abort 之后不可再使用。
// 并发读者在提交边界之前看到的始终是入库前的完整状态。
type IngestTx interface {
	// UpsertImages 按 (datasetId, stableId) 批量插入或更新图片。
	UpsertImages(ctx context.Context, images []*models.Image) error
	// ReplaceDuplicateGroups 用本次计算出的重复组整体替换数据集的旧重复组。
	ReplaceDuplicateGroups(ctx context.Context, groups []models.DuplicateGroup) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}
