// Package memory 提供 database.Store 的进程内实现。
// 单元测试和离线 CLI 依赖它运行；部署环境使用 pkg/database/mongo。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/database"
)

// Store 是 database.Store 接口的内存实现。
type Store struct {
	mu sync.RWMutex

	datasets    map[string]*models.Dataset                        // name -> dataset
	images      map[primitive.ObjectID]map[string]*models.Image   // datasetId -> stableId -> image
	annotations map[primitive.ObjectID]map[string][]models.Annotation
	duplicates  map[primitive.ObjectID][]models.DuplicateGroup

	// seq 是标注序号的全局单调计数器，写入时分配。
	seq int64

	// ingesting 记录正在进行入库事务的数据集，保证写事务独占。
	ingesting map[primitive.ObjectID]bool
}

// 确保 Store 实现了 database.Store 接口 (编译时检查)
var _ database.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		datasets:    make(map[string]*models.Dataset),
		images:      make(map[primitive.ObjectID]map[string]*models.Image),
		annotations: make(map[primitive.ObjectID]map[string][]models.Annotation),
		duplicates:  make(map[primitive.ObjectID][]models.DuplicateGroup),
		ingesting:   make(map[primitive.ObjectID]bool),
	}
}

func (s *Store) Datasets() database.DatasetStore       { return (*datasetStore)(s) }
func (s *Store) Images() database.ImageStore           { return (*imageStore)(s) }
func (s *Store) Annotations() database.AnnotationStore { return (*annotationStore)(s) }

func (s *Store) EnsureIndexes(ctx context.Context) error { return nil }
func (s *Store) Close(ctx context.Context) error         { return nil }

// BeginIngest 打开一个入库事务：所有变更先暂存，Commit 时一次性生效。
// 同一数据集同时只允许一个入库事务。
func (s *Store) BeginIngest(ctx context.Context, dataset *models.Dataset) (database.IngestTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ingesting[dataset.ID] {
		return nil, fmt.Errorf("数据集 %s 已有入库事务在进行: %w", dataset.Name, database.ErrStoreUnavailable)
	}
	s.ingesting[dataset.ID] = true

	return &ingestTx{
		store:     s,
		datasetID: dataset.ID,
		staged:    make(map[string]*models.Image),
	}, nil
}

// --- datasetStore 方法实现 ---

type datasetStore Store

func (d *datasetStore) FindOrCreateByName(ctx context.Context, name, rootPath string) (*models.Dataset, error) {
	s := (*Store)(d)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ds, ok := s.datasets[name]; ok {
		ds.RootPath = rootPath
		ds.UpdatedAt = time.Now()
		cp := *ds
		return &cp, nil
	}
	now := time.Now()
	ds := &models.Dataset{
		ID:         primitive.NewObjectID(),
		Name:       name,
		RootPath:   rootPath,
		IngestedAt: now,
		Timestamps: models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	s.datasets[name] = ds
	s.images[ds.ID] = make(map[string]*models.Image)
	s.annotations[ds.ID] = make(map[string][]models.Annotation)
	cp := *ds
	return &cp, nil
}

func (d *datasetStore) GetByName(ctx context.Context, name string) (*models.Dataset, error) {
	s := (*Store)(d)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datasets[name]
	if !ok {
		return nil, database.ErrUnknownDataset
	}
	cp := *ds
	return &cp, nil
}

func (d *datasetStore) List(ctx context.Context) ([]models.Dataset, error) {
	s := (*Store)(d)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Dataset, 0, len(s.datasets))
	for _, ds := range s.datasets {
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- imageStore 方法实现 ---

type imageStore Store

func (i *imageStore) GetByStableID(ctx context.Context, datasetID primitive.ObjectID, stableID string) (*models.Image, error) {
	s := (*Store)(i)
	s.mu.RLock()
	defer s.mu.RUnlock()

	img, ok := s.images[datasetID][stableID]
	if !ok {
		return nil, database.ErrUnknownImage
	}
	cp := cloneImage(img)
	return &cp, nil
}

func (i *imageStore) AllByDataset(ctx context.Context, datasetID primitive.ObjectID) ([]models.Image, error) {
	s := (*Store)(i)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Image, 0, len(s.images[datasetID]))
	for _, img := range s.images[datasetID] {
		out = append(out, cloneImage(img))
	}
	sortImages(out)
	return out, nil
}

func (i *imageStore) Query(ctx context.Context, filter database.ImageFilter) ([]models.Image, int64, error) {
	s := (*Store)(i)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wanted map[string]bool
	if filter.StableIDs != nil {
		wanted = make(map[string]bool, len(filter.StableIDs))
		for _, id := range filter.StableIDs {
			wanted[id] = true
		}
	}

	var matched []models.Image
	for _, img := range s.images[filter.DatasetID] {
		if filter.Status != "" && img.Status != filter.Status {
			continue
		}
		if wanted != nil && !wanted[img.StableID] {
			continue
		}
		matched = append(matched, cloneImage(img))
	}
	sortImages(matched)

	total := int64(len(matched))
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.Limit
		if start >= len(matched) {
			return []models.Image{}, total, nil
		}
		end := start + filter.Limit
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (i *imageStore) FindSimilarByPHash(ctx context.Context, datasetID primitive.ObjectID, pHash string, limit int) ([]models.Image, error) {
	s := (*Store)(i)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Image
	for _, img := range s.images[datasetID] {
		if img.PerceptualHash != "" && img.PerceptualHash == pHash {
			out = append(out, cloneImage(img))
		}
	}
	sortImages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (i *imageStore) DuplicateGroups(ctx context.Context, datasetID primitive.ObjectID) ([]models.DuplicateGroup, error) {
	s := (*Store)(i)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DuplicateGroup, len(s.duplicates[datasetID]))
	copy(out, s.duplicates[datasetID])
	return out, nil
}

// --- annotationStore 方法实现 ---

type annotationStore Store

func (a *annotationStore) Append(ctx context.Context, datasetID primitive.ObjectID, stableID string, decision models.Decision, reviewer, note string) (*models.Annotation, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[datasetID][stableID]; !ok {
		return nil, database.ErrUnknownImage
	}

	s.seq++
	ann := models.Annotation{
		ID:        primitive.NewObjectID(),
		DatasetID: datasetID,
		StableID:  stableID,
		Decision:  decision,
		Reviewer:  reviewer,
		Note:      note,
		Seq:       s.seq,
		CreatedAt: time.Now(),
	}
	s.annotations[datasetID][stableID] = append(s.annotations[datasetID][stableID], ann)
	cp := ann
	return &cp, nil
}

func (a *annotationStore) History(ctx context.Context, datasetID primitive.ObjectID, stableID string) ([]models.Annotation, error) {
	s := (*Store)(a)
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.annotations[datasetID][stableID]
	out := make([]models.Annotation, len(history))
	copy(out, history)
	sort.Slice(out, func(i, j int) bool { return out[j].After(&out[i]) })
	return out, nil
}

func (a *annotationStore) Current(ctx context.Context, datasetID primitive.ObjectID, stableID string) (*models.Annotation, error) {
	history, err := a.History(ctx, datasetID, stableID)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	cp := history[len(history)-1]
	return &cp, nil
}

func (a *annotationStore) CurrentMap(ctx context.Context, datasetID primitive.ObjectID, stableIDs []string) (map[string]models.Decision, error) {
	out := make(map[string]models.Decision)
	for _, id := range stableIDs {
		cur, err := a.Current(ctx, datasetID, id)
		if err != nil {
			return nil, err
		}
		if cur != nil {
			out[id] = cur.Decision
		}
	}
	return out, nil
}

// --- ingestTx 实现 ---

type ingestTx struct {
	store     *Store
	datasetID primitive.ObjectID

	staged     map[string]*models.Image
	stagedDups []models.DuplicateGroup
	dupsSet    bool
	done       bool
}

func (tx *ingestTx) UpsertImages(ctx context.Context, images []*models.Image) error {
	if tx.done {
		return fmt.Errorf("入库事务已结束: %w", database.ErrStoreUnavailable)
	}
	for _, img := range images {
		cp := cloneImage(img)
		if cp.ID.IsZero() {
			cp.ID = primitive.NewObjectID()
		}
		cp.DatasetID = tx.datasetID
		tx.staged[cp.StableID] = &cp
	}
	return nil
}

func (tx *ingestTx) ReplaceDuplicateGroups(ctx context.Context, groups []models.DuplicateGroup) error {
	if tx.done {
		return fmt.Errorf("入库事务已结束: %w", database.ErrStoreUnavailable)
	}
	tx.stagedDups = groups
	tx.dupsSet = true
	return nil
}

// Commit 一次性应用全部暂存变更；在此之前读者看到的始终是入库前的状态。
func (tx *ingestTx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("入库事务已结束: %w", database.ErrStoreUnavailable)
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	defer delete(s.ingesting, tx.datasetID)

	if s.images[tx.datasetID] == nil {
		s.images[tx.datasetID] = make(map[string]*models.Image)
	}
	now := time.Now()
	for stableID, img := range tx.staged {
		if existing, ok := s.images[tx.datasetID][stableID]; ok {
			img.ID = existing.ID
			img.CreatedAt = existing.CreatedAt
			img.UpdatedAt = now
		} else {
			img.CreatedAt = now
			img.UpdatedAt = now
		}
		s.images[tx.datasetID][stableID] = img
	}
	if tx.dupsSet {
		s.duplicates[tx.datasetID] = tx.stagedDups
	}
	return nil
}

// Abort 丢弃全部暂存变更，等价于"从未开始"。
func (tx *ingestTx) Abort(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ingesting, tx.datasetID)
	return nil
}

// --- 辅助函数 ---

func cloneImage(img *models.Image) models.Image {
	cp := *img
	if img.Metadata != nil {
		cp.Metadata = make(map[string]models.FieldValue, len(img.Metadata))
		for k, v := range img.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func sortImages(images []models.Image) {
	sort.Slice(images, func(i, j int) bool {
		return strings.Compare(images[i].StableID, images[j].StableID) < 0
	})
}
