package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"decendata/internal/repository"
)

const filesCollection = "files"

// FileRepository 基于 MongoDB 的文件元数据仓库，邀请与历史版本内嵌在文档中。
type FileRepository struct {
	coll *mongo.Collection
}

// NewFileRepository 创建仓库。
func NewFileRepository(db *mongo.Database) *FileRepository {
	return &FileRepository{coll: db.Collection(filesCollection)}
}

var _ repository.FileRepository = (*FileRepository)(nil)

// EnsureIndexes 创建唯一哈希、所有者状态与接收者索引。
func (r *FileRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "content_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "visibility", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "shares.recipient_id", Value: 1}}},
		{Keys: bson.D{{Key: "versions.content_hash", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create file indexes: %w", err)
	}
	return nil
}

// Create 插入文档。
func (r *FileRepository) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}
	doc := *record
	if doc.Shares == nil {
		doc.Shares = []repository.Share{}
	}
	if doc.Versions == nil {
		doc.Versions = []repository.FileVersion{}
	}
	if doc.Metadata.Tags == nil {
		doc.Metadata.Tags = []string{}
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}
	return &doc, nil
}

// GetByID 按主键查询。
func (r *FileRepository) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	var rec repository.FileRecord
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List 按条件分页查询。
func (r *FileRepository) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	if params.Offset > 0 {
		opts.SetSkip(int64(params.Offset))
	}

	cur, err := r.coll.Find(ctx, buildFileFilter(params), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	result := []repository.FileRecord{}
	if err := cur.All(ctx, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Count 返回满足条件的记录数。
func (r *FileRepository) Count(ctx context.Context, params repository.ListFilesParams) (int, error) {
	n, err := r.coll.CountDocuments(ctx, buildFileFilter(params))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func buildFileFilter(params repository.ListFilesParams) bson.M {
	filter := bson.M{}
	if params.OwnerID != "" {
		filter["owner_id"] = params.OwnerID
	}
	if params.Visibility != "" {
		filter["visibility"] = params.Visibility
	}
	if len(params.Statuses) > 0 {
		filter["status"] = bson.M{"$in": params.Statuses}
	} else {
		filter["status"] = bson.M{"$ne": repository.FileStatusDeleted}
	}
	if params.Search != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(params.Search), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{"display_name": pattern},
			bson.M{"metadata.description": pattern},
		}
	}
	if len(params.Tags) > 0 {
		all := bson.A{}
		for _, tag := range params.Tags {
			all = append(all, primitive.Regex{Pattern: "^" + regexp.QuoteMeta(tag) + "$", Options: "i"})
		}
		filter["metadata.tags"] = bson.M{"$all": all}
	}
	if params.SharedWith != "" {
		match := bson.M{"recipient_id": params.SharedWith}
		if params.ShareStatus != "" {
			match["status"] = params.ShareStatus
		}
		if params.ShareActiveAt != nil {
			match["$or"] = bson.A{
				bson.M{"expires_at": nil},
				bson.M{"expires_at": bson.M{"$gt": *params.ShareActiveAt}},
			}
		}
		filter["shares"] = bson.M{"$elemMatch": match}
	}
	return filter
}

// UpdateMetadata 局部更新可编辑字段。
func (r *FileRepository) UpdateMetadata(ctx context.Context, id string, update repository.FileUpdate) (*repository.FileRecord, error) {
	set := bson.M{"updated_at": update.UpdatedAt}
	if update.DisplayName != nil {
		set["display_name"] = *update.DisplayName
	}
	if update.Description != nil {
		set["metadata.description"] = *update.Description
	}
	if update.Tags != nil {
		set["metadata.tags"] = *update.Tags
	}
	if update.Visibility != nil {
		set["visibility"] = *update.Visibility
	}
	if update.Status != nil {
		set["status"] = *update.Status
	}
	if update.Properties != nil {
		set["metadata.properties"] = *update.Properties
	}

	return r.findOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set})
}

func (r *FileRepository) findOneAndUpdate(ctx context.Context, filter, update bson.M) (*repository.FileRecord, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var rec repository.FileRecord
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ReplaceContent 以版本号为条件写入新内容并压入历史。
func (r *FileRepository) ReplaceContent(ctx context.Context, id string, update repository.ContentUpdate) (*repository.FileRecord, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != update.ExpectedVersion {
		return nil, repository.ErrConflict
	}

	set := bson.M{
		"content_hash": update.ContentHash,
		"size":         update.Size,
		"updated_at":   update.UpdatedAt,
	}
	if update.MediaType != "" {
		set["media_type"] = update.MediaType
	}
	changes := bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
		"$push": bson.M{"versions": repository.FileVersion{
			Version:     current.Version,
			ContentHash: current.ContentHash,
			Size:        current.Size,
			UploadedAt:  current.UpdatedAt,
			Changes:     update.Changes,
		}},
	}
	if update.Encryption != nil {
		set["encryption"] = update.Encryption
	} else {
		changes["$unset"] = bson.M{"encryption": ""}
	}

	rec, err := r.findOneAndUpdate(ctx, bson.M{"_id": id, "version": update.ExpectedVersion}, changes)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, repository.ErrConflict
	case mongo.IsDuplicateKeyError(err):
		return nil, repository.ErrDuplicate
	default:
		return nil, err
	}
}

// Delete 删除文档。
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordAccess 单文档原子递增计数。
func (r *FileRepository) RecordAccess(ctx context.Context, id string, kind repository.AccessKind, at time.Time) error {
	update := bson.M{
		"$inc": bson.M{"stats.view_count": 1},
		"$set": bson.M{"stats.last_viewed_at": at},
	}
	if kind == repository.AccessDownload {
		update = bson.M{
			"$inc": bson.M{"stats.download_count": 1},
			"$set": bson.M{"stats.last_downloaded_at": at},
		}
	}
	return r.updateOne(ctx, bson.M{"_id": id}, update, repository.ErrNotFound)
}

func (r *FileRepository) updateOne(ctx context.Context, filter, update bson.M, unmatched error) error {
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return unmatched
	}
	return nil
}

// AddShare 条件追加邀请：文档中已存在该接收者的未拒绝邀请时不匹配。
func (r *FileRepository) AddShare(ctx context.Context, fileID string, share repository.Share) error {
	filter := activeShareGuard(fileID, share.RecipientID)
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$push": bson.M{"shares": share}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": fileID})
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

func activeShareGuard(fileID, recipientID string) bson.M {
	return bson.M{
		"_id": fileID,
		"shares": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"recipient_id": recipientID,
			"status":       bson.M{"$ne": repository.ShareStatusDeclined},
		}}},
	}
}

// UpdateShareStatus 条件迁移邀请状态。
func (r *FileRepository) UpdateShareStatus(ctx context.Context, fileID, shareID string, from, to repository.ShareStatus, at time.Time) error {
	filter := bson.M{
		"_id":    fileID,
		"shares": bson.M{"$elemMatch": bson.M{"id": shareID, "status": from}},
	}
	update := bson.M{"$set": bson.M{
		"shares.$.status":       to,
		"shares.$.responded_at": at,
	}}
	return r.updateOne(ctx, filter, update, repository.ErrConflict)
}

// RemoveShare 删除邀请。
func (r *FileRepository) RemoveShare(ctx context.Context, fileID, shareID string) error {
	return r.updateOne(ctx,
		bson.M{"_id": fileID, "shares.id": shareID},
		bson.M{"$pull": bson.M{"shares": bson.M{"id": shareID}}},
		repository.ErrNotFound,
	)
}

// SaveAnnotation 覆盖同类标注。
func (r *FileRepository) SaveAnnotation(ctx context.Context, fileID string, annotation repository.Annotation) error {
	field := "annotations.analysis"
	if annotation.Kind == "security" {
		field = "annotations.security"
	}
	return r.updateOne(ctx, bson.M{"_id": fileID}, bson.M{"$set": bson.M{field: annotation}}, repository.ErrNotFound)
}

// HashReferenced 判断哈希是否仍被引用。
func (r *FileRepository) HashReferenced(ctx context.Context, hash string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"content_hash": hash},
		bson.M{"versions.content_hash": hash},
	}}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type contentRefDoc struct {
	ID          string `bson:"_id"`
	OwnerID     string `bson:"owner_id"`
	ContentHash string `bson:"content_hash"`
	Versions    []struct {
		ContentHash string `bson:"content_hash"`
	} `bson:"versions"`
}

// ListContentRefs 列出全部内容引用。
func (r *FileRepository) ListContentRefs(ctx context.Context) ([]repository.ContentRef, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1, "owner_id": 1, "content_hash": 1, "versions.content_hash": 1})
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var refs []repository.ContentRef
	for cur.Next(ctx) {
		var doc contentRefDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		refs = append(refs, repository.ContentRef{FileID: doc.ID, OwnerID: doc.OwnerID, ContentHash: doc.ContentHash, Current: true})
		for _, v := range doc.Versions {
			refs = append(refs, repository.ContentRef{FileID: doc.ID, OwnerID: doc.OwnerID, ContentHash: v.ContentHash})
		}
	}
	return refs, cur.Err()
}

// UsageByOwner 聚合每个用户的存储用量。
func (r *FileRepository) UsageByOwner(ctx context.Context) (map[string]repository.StorageStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": bson.M{"$in": bson.A{repository.FileStatusActive, repository.FileStatusArchived}}}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$owner_id",
			"files": bson.M{"$sum": 1},
			"size":  bson.M{"$sum": "$size"},
		}}},
	}
	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	usage := make(map[string]repository.StorageStats)
	for cur.Next(ctx) {
		var row struct {
			OwnerID string `bson:"_id"`
			Files   int64  `bson:"files"`
			Size    int64  `bson:"size"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		usage[row.OwnerID] = repository.StorageStats{TotalFiles: row.Files, TotalSize: row.Size}
	}
	return usage, cur.Err()
}
