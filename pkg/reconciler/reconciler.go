// Package reconciler 把扫描结果和元数据行合并成数据集的规范图片登记表。
// 引擎单线程运行：upsert 决策需要对整个合并集的全局一致视图。
package reconciler

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"DatasetCleaner/internal/models"
	"DatasetCleaner/pkg/metadata"
	"DatasetCleaner/pkg/scanner"
)

// Plan 是一次调和的产物：需要写入的图片加上报告所需的全部计数。
// 调和本身不碰存储；写入由调用方在一个事务内完成。
type Plan struct {
	// Upserts 只包含与上次入库相比有变化的图片。
	// 完全一致的图片不出现在这里，这就是"零写入"幂等性的来源。
	Upserts []*models.Image

	// Created 与 Updated 只统计 active 图片；孤儿计入下面两项。
	Created   int
	Updated   int
	Unchanged int

	OrphanedFiles int
	OrphanedRows  int

	Duplicates []models.DuplicateGroup
	Errors     []models.ReportError
}

// Reconcile 合并三方输入：本次扫描的文件记录、本次解析的元数据行、
// 以及上次入库留下的完整快照。
//
// 身份键的推导规则：文件与元数据行按归一化路径连接；连接成功或只有
// 元数据行时取连接键，只有文件时取相对路径。同一键同时出现在两侧即
// 为 active，只出现一侧即为对应的孤儿状态。上次 active、本次两侧都
// 不再出现的图片降级为 orphaned-row，记录保留，从不删除。
func Reconcile(datasetID primitive.ObjectID, rows []metadata.Row, records []scanner.FileRecord, prior []models.Image) *Plan {
	plan := &Plan{}

	rowByKey := make(map[string]metadata.Row, len(rows))
	for _, row := range rows {
		if _, dup := rowByKey[row.JoinKey]; dup {
			// 解析器已去重；这里兜底防止调用方传入未过筛的行集
			plan.Errors = append(plan.Errors, models.ReportError{
				Kind:   models.ErrKindConsistency,
				Key:    row.JoinKey,
				Detail: fmt.Sprintf("身份键冲突: 元数据第 %d 行被跳过", row.Index),
			})
			continue
		}
		rowByKey[row.JoinKey] = row
	}

	recByKey := make(map[string]scanner.FileRecord, len(records))
	for _, rec := range records {
		key := metadata.NormalizeJoinKey(rec.RelPath)
		if first, dup := recByKey[key]; dup {
			plan.Errors = append(plan.Errors, models.ReportError{
				Kind:   models.ErrKindConsistency,
				Key:    key,
				Detail: fmt.Sprintf("身份键冲突: %s 与 %s 归一化后相同，后者被跳过", first.RelPath, rec.RelPath),
			})
			continue
		}
		recByKey[key] = rec
	}

	priorByID := make(map[string]*models.Image, len(prior))
	for i := range prior {
		priorByID[prior[i].StableID] = &prior[i]
	}

	// 三方键的并集，排序后遍历，保证决策顺序确定
	keySet := make(map[string]bool, len(rowByKey)+len(recByKey)+len(priorByID))
	for key := range rowByKey {
		keySet[key] = true
	}
	for key := range recByKey {
		keySet[key] = true
	}
	for key := range priorByID {
		keySet[key] = true
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fingerprints := make(map[string][]string) // fingerprint -> stableIds

	for _, key := range keys {
		row, hasRow := rowByKey[key]
		rec, hasRec := recByKey[key]
		existing := priorByID[key]

		var desired models.Image
		switch {
		case hasRec && hasRow:
			desired = imageFromSources(datasetID, key, &rec, &row, models.StatusActive)
		case hasRec:
			desired = imageFromSources(datasetID, key, &rec, nil, models.StatusOrphanedFile)
		case hasRow:
			desired = imageFromSources(datasetID, key, nil, &row, models.StatusOrphanedRow)
		default:
			// 上次入库认识这张图，本次两侧来源都没有它。
			// 记录保留，状态降为 orphaned-row，其余字段原样不动。
			desired = *existing
			desired.Status = models.StatusOrphanedRow
		}

		switch desired.Status {
		case models.StatusOrphanedFile:
			plan.OrphanedFiles++
		case models.StatusOrphanedRow:
			plan.OrphanedRows++
		}
		// 重复组只收录磁盘上真有文件的记录：orphaned-row 保留的旧指纹
		// 背后已经没有文件，不该和幸存副本配成一组
		if desired.Fingerprint != "" && desired.Status != models.StatusOrphanedRow {
			fingerprints[desired.Fingerprint] = append(fingerprints[desired.Fingerprint], key)
		}

		if existing != nil {
			if existing.ContentEqual(&desired) {
				plan.Unchanged++
				continue
			}
			desired.ID = existing.ID
			desired.CreatedAt = existing.CreatedAt
			if desired.Status == models.StatusActive {
				plan.Updated++
			}
		} else if desired.Status == models.StatusActive {
			plan.Created++
		}

		img := desired
		plan.Upserts = append(plan.Upserts, &img)
	}

	// 指纹相同、身份键不同的图片构成重复组；只标记，从不合并或删除
	for fp, ids := range fingerprints {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		plan.Duplicates = append(plan.Duplicates, models.DuplicateGroup{
			DatasetID:   datasetID,
			Fingerprint: fp,
			StableIDs:   ids,
		})
	}
	sort.Slice(plan.Duplicates, func(i, j int) bool {
		return plan.Duplicates[i].Fingerprint < plan.Duplicates[j].Fingerprint
	})

	return plan
}

// imageFromSources 按两侧来源组装目标图片记录。
func imageFromSources(datasetID primitive.ObjectID, key string, rec *scanner.FileRecord, row *metadata.Row, status models.IngestStatus) models.Image {
	img := models.Image{
		DatasetID: datasetID,
		StableID:  key,
		Status:    status,
	}
	if rec != nil {
		img.RelPath = rec.RelPath
		img.Fingerprint = rec.Fingerprint
		img.PerceptualHash = rec.PerceptualHash
		img.Size = rec.Size
		img.ModTime = rec.ModTime
		img.Thumbnail = rec.Thumbnail
	} else {
		// 只有元数据行：路径取连接键本身，方便日后文件补回时对上号
		img.RelPath = key
	}
	if row != nil {
		img.Metadata = row.Fields
	}
	return img
}
