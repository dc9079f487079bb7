package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"DatasetCleaner/config"
	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/database"
)

// Store 是 database.Store 接口的MongoDB实现。
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	datasets    *datasetStore
	images      *imageStore
	annotations *annotationStore
}

// 确保 Store 实现了 database.Store 接口 (编译时检查)
var _ database.Store = (*Store)(nil)

// datasetStore 封装了与 "datasets" 集合相关的所有操作。
type datasetStore struct {
	coll *mongo.Collection
}

// imageStore 封装了与 "images" 和 "duplicates" 集合相关的所有操作。
type imageStore struct {
	coll     *mongo.Collection
	dupsColl *mongo.Collection
}

// annotationStore 封装了与 "annotations" 集合相关的所有操作。
// counters 集合为标注序号提供原子递增。
type annotationStore struct {
	coll     *mongo.Collection
	images   *mongo.Collection
	counters *mongo.Collection
}

// NewStore 创建并返回一个新的 Store 实例，并建立与MongoDB的连接。
func NewStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	slog.Info("正在连接到 MongoDB...", "uri", cfg.Database.URI)
	clientCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(cfg.Database.URI)
	client, err := mongo.Connect(clientCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("连接 MongoDB 失败: %v: %w", err, database.ErrStoreUnavailable)
	}
	if err := client.Ping(clientCtx, nil); err != nil {
		return nil, fmt.Errorf("MongoDB 不可达: %v: %w", err, database.ErrStoreUnavailable)
	}
	slog.Info("MongoDB 连接成功")

	db := client.Database(cfg.Database.Name)
	return &Store{
		client:   client,
		db:       db,
		datasets: &datasetStore{coll: db.Collection("datasets")},
		images:   &imageStore{coll: db.Collection("images"), dupsColl: db.Collection("duplicates")},
		annotations: &annotationStore{
			coll:     db.Collection("annotations"),
			images:   db.Collection("images"),
			counters: db.Collection("counters"),
		},
	}, nil
}

func (s *Store) Datasets() database.DatasetStore       { return s.datasets }
func (s *Store) Images() database.ImageStore           { return s.images }
func (s *Store) Annotations() database.AnnotationStore { return s.annotations }

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	slog.Info("正在确保数据库索引存在...")

	imageIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "datasetId", Value: 1}, {Key: "stableId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_dataset_stableid_unique"),
		},
		{
			Keys:    bson.D{{Key: "datasetId", Value: 1}, {Key: "fingerprint", Value: 1}},
			Options: options.Index().SetName("idx_dataset_fingerprint"),
		},
		{
			Keys:    bson.D{{Key: "datasetId", Value: 1}, {Key: "perceptualHash", Value: 1}},
			Options: options.Index().SetName("idx_dataset_phash"),
		},
		{
			Keys:    bson.D{{Key: "datasetId", Value: 1}, {Key: "status", Value: 1}, {Key: "stableId", Value: 1}},
			Options: options.Index().SetName("idx_dataset_status_stableid"),
		},
	}
	if _, err := s.images.coll.Indexes().CreateMany(ctx, imageIndexes); err != nil {
		slog.Error("为 images 集合创建索引失败", "error", err)
		return err
	}

	datasetIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_name_unique"),
		},
	}
	if _, err := s.datasets.coll.Indexes().CreateMany(ctx, datasetIndexes); err != nil {
		slog.Error("为 datasets 集合创建索引失败", "error", err)
		return err
	}

	annotationIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "datasetId", Value: 1}, {Key: "stableId", Value: 1},
				{Key: "createdAt", Value: 1}, {Key: "seq", Value: 1},
			},
			Options: options.Index().SetName("idx_annotation_history"),
		},
	}
	if _, err := s.annotations.coll.Indexes().CreateMany(ctx, annotationIndexes); err != nil {
		slog.Error("为 annotations 集合创建索引失败", "error", err)
		return err
	}

	dupIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "datasetId", Value: 1}},
			Options: options.Index().SetName("idx_dup_dataset"),
		},
	}
	if _, err := s.images.dupsColl.Indexes().CreateMany(ctx, dupIndexes); err != nil {
		slog.Error("为 duplicates 集合创建索引失败", "error", err)
		return err
	}

	slog.Info("数据库索引已验证/创建。")
	return nil
}

// --- datasetStore 方法实现 ---

// FindOrCreateByName 使用 Upsert 模式原子性地查找或创建数据集。
func (d *datasetStore) FindOrCreateByName(ctx context.Context, name, rootPath string) (*models.Dataset, error) {
	filter := bson.M{"name": name}
	update := bson.M{
		// 无论文档是否存在，根目录和更新时间都取最新值
		"$set": bson.M{
			"rootPath":  rootPath,
			"updatedAt": time.Now(),
		},
		// 只在插入新文档时初始化这些字段
		"$setOnInsert": bson.M{
			"_id":        primitive.NewObjectID(),
			"name":       name,
			"ingestedAt": time.Now(),
			"createdAt":  time.Now(),
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := d.coll.UpdateOne(ctx, filter, update, opts); err != nil {
		return nil, fmt.Errorf("Upsert 数据集 '%s' 失败: %w", name, err)
	}

	var ds models.Dataset
	if err := d.coll.FindOne(ctx, filter).Decode(&ds); err != nil {
		return nil, fmt.Errorf("无法获取 Upsert 后的数据集 '%s': %w", name, err)
	}
	return &ds, nil
}

func (d *datasetStore) GetByName(ctx context.Context, name string) (*models.Dataset, error) {
	var ds models.Dataset
	err := d.coll.FindOne(ctx, bson.M{"name": name}).Decode(&ds)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, database.ErrUnknownDataset
		}
		return nil, err
	}
	return &ds, nil
}

func (d *datasetStore) List(ctx context.Context) ([]models.Dataset, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := d.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.Dataset
	if err = cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- imageStore 方法实现 ---

func (i *imageStore) GetByStableID(ctx context.Context, datasetID primitive.ObjectID, stableID string) (*models.Image, error) {
	var img models.Image
	err := i.coll.FindOne(ctx, bson.M{"datasetId": datasetID, "stableId": stableID}).Decode(&img)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, database.ErrUnknownImage
		}
		return nil, err
	}
	return &img, nil
}

func (i *imageStore) AllByDataset(ctx context.Context, datasetID primitive.ObjectID) ([]models.Image, error) {
	opts := options.Find().SetSort(bson.D{{Key: "stableId", Value: 1}})
	cursor, err := i.coll.Find(ctx, bson.M{"datasetId": datasetID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.Image
	if err = cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *imageStore) Query(ctx context.Context, filter database.ImageFilter) ([]models.Image, int64, error) {
	q := bson.M{"datasetId": filter.DatasetID}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.StableIDs != nil {
		q["stableId"] = bson.M{"$in": filter.StableIDs}
	}

	total, err := i.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	// 按身份键升序，分页结果确定
	findOpts := options.Find().SetSort(bson.D{{Key: "stableId", Value: 1}})
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		findOpts.SetSkip(int64((page - 1) * filter.Limit)).SetLimit(int64(filter.Limit))
	}
	cursor, err := i.coll.Find(ctx, q, findOpts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var out []models.Image
	if err = cursor.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (i *imageStore) FindSimilarByPHash(ctx context.Context, datasetID primitive.ObjectID, pHash string, limit int) ([]models.Image, error) {
	filter := bson.M{"datasetId": datasetID, "perceptualHash": pHash}
	findOpts := options.Find().SetSort(bson.D{{Key: "stableId", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := i.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.Image
	if err = cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *imageStore) DuplicateGroups(ctx context.Context, datasetID primitive.ObjectID) ([]models.DuplicateGroup, error) {
	cursor, err := i.dupsColl.Find(ctx, bson.M{"datasetId": datasetID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.DuplicateGroup
	if err = cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- annotationStore 方法实现 ---

// nextSeq 通过 counters 集合原子递增，为标注分配写入时的单调序号。
func (a *annotationStore) nextSeq(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := a.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "annotationSeq"},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("无法分配标注序号: %w", err)
	}
	return doc.Value, nil
}

func (a *annotationStore) Append(ctx context.Context, datasetID primitive.ObjectID, stableID string, decision models.Decision, reviewer, note string) (*models.Annotation, error) {
	// 图片必须已存在；标注从不凭空创建图片
	count, err := a.images.CountDocuments(ctx, bson.M{"datasetId": datasetID, "stableId": stableID})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, database.ErrUnknownImage
	}

	seq, err := a.nextSeq(ctx)
	if err != nil {
		return nil, err
	}

	ann := models.Annotation{
		ID:        primitive.NewObjectID(),
		DatasetID: datasetID,
		StableID:  stableID,
		Decision:  decision,
		Reviewer:  reviewer,
		Note:      note,
		Seq:       seq,
		CreatedAt: time.Now(),
	}
	if _, err := a.coll.InsertOne(ctx, ann); err != nil {
		return nil, err
	}
	return &ann, nil
}

func (a *annotationStore) History(ctx context.Context, datasetID primitive.ObjectID, stableID string) ([]models.Annotation, error) {
	filter := bson.M{"datasetId": datasetID, "stableId": stableID}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := a.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.Annotation
	if err = cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *annotationStore) Current(ctx context.Context, datasetID primitive.ObjectID, stableID string) (*models.Annotation, error) {
	filter := bson.M{"datasetId": datasetID, "stableId": stableID}
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "seq", Value: -1}})

	var ann models.Annotation
	err := a.coll.FindOne(ctx, filter, opts).Decode(&ann)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // 从未标注，视为 unset
		}
		return nil, err
	}
	return &ann, nil
}

func (a *annotationStore) CurrentMap(ctx context.Context, datasetID primitive.ObjectID, stableIDs []string) (map[string]models.Decision, error) {
	if len(stableIDs) == 0 {
		return map[string]models.Decision{}, nil
	}
	filter := bson.M{"datasetId": datasetID, "stableId": bson.M{"$in": stableIDs}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := a.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	// 按 (时间戳, 序号) 升序遍历，后写的覆盖先写的，留下的即"当前决定"
	out := make(map[string]models.Decision)
	for cursor.Next(ctx) {
		var ann models.Annotation
		if err := cursor.Decode(&ann); err != nil {
			return nil, err
		}
		out[ann.StableID] = ann.Decision
	}
	return out, cursor.Err()
}

// --- ingestTx 实现 ---

// BeginIngest 基于 MongoDB 会话开启一个多文档事务。
// 提交之前的全部写入对并发读者不可见；中途崩溃等价于从未开始。
func (s *Store) BeginIngest(ctx context.Context, dataset *models.Dataset) (database.IngestTx, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("无法开启会话: %v: %w", err, database.ErrStoreUnavailable)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return nil, fmt.Errorf("无法开启入库事务: %v: %w", err, database.ErrStoreUnavailable)
	}
	return &ingestTx{store: s, sess: sess, datasetID: dataset.ID}, nil
}

type ingestTx struct {
	store     *Store
	sess      mongo.Session
	datasetID primitive.ObjectID
}

// UpsertImages 在事务内按 (datasetId, stableId) 批量 Upsert 图片。
func (tx *ingestTx) UpsertImages(ctx context.Context, images []*models.Image) error {
	if len(images) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(images))
	for _, img := range images {
		filter := bson.M{"datasetId": tx.datasetID, "stableId": img.StableID}
		update := bson.M{
			"$set": bson.M{
				"relPath":        img.RelPath,
				"fingerprint":    img.Fingerprint,
				"perceptualHash": img.PerceptualHash,
				"size":           img.Size,
				"modTime":        img.ModTime,
				"status":         img.Status,
				"metadata":       img.Metadata,
				"thumbnail":      img.Thumbnail,
				"updatedAt":      time.Now(),
			},
			"$setOnInsert": bson.M{
				"_id":       primitive.NewObjectID(),
				"datasetId": tx.datasetID,
				"stableId":  img.StableID,
				"createdAt": time.Now(),
			},
		}
		writes = append(writes, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}

	return mongo.WithSession(ctx, tx.sess, func(sc mongo.SessionContext) error {
		// 事务内必须保持有序，出错立刻中止，保证全有或全无
		_, err := tx.store.images.coll.BulkWrite(sc, writes, options.BulkWrite().SetOrdered(true))
		return err
	})
}

func (tx *ingestTx) ReplaceDuplicateGroups(ctx context.Context, groups []models.DuplicateGroup) error {
	return mongo.WithSession(ctx, tx.sess, func(sc mongo.SessionContext) error {
		if _, err := tx.store.images.dupsColl.DeleteMany(sc, bson.M{"datasetId": tx.datasetID}); err != nil {
			return err
		}
		if len(groups) == 0 {
			return nil
		}
		docs := make([]interface{}, len(groups))
		for i, g := range groups {
			g.DatasetID = tx.datasetID
			docs[i] = g
		}
		_, err := tx.store.images.dupsColl.InsertMany(sc, docs)
		return err
	})
}

func (tx *ingestTx) Commit(ctx context.Context) error {
	defer tx.sess.EndSession(ctx)
	err := mongo.WithSession(ctx, tx.sess, func(sc mongo.SessionContext) error {
		return tx.sess.CommitTransaction(sc)
	})
	if err != nil {
		return fmt.Errorf("入库事务提交失败: %v: %w", err, database.ErrStoreUnavailable)
	}
	return nil
}

func (tx *ingestTx) Abort(ctx context.Context) error {
	defer tx.sess.EndSession(ctx)
	return mongo.WithSession(ctx, tx.sess, func(sc mongo.SessionContext) error {
		return tx.sess.AbortTransaction(sc)
	})
}
