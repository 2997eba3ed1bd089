package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"decendata/internal/repository"
)

const (
	usersCollection = "users"

	// 登录失败计数的乐观更新重试次数
	loginUpdateRetries = 3
)

// UserRepository 基于 MongoDB 的用户仓库。
type UserRepository struct {
	coll *mongo.Collection
}

// NewUserRepository 创建仓库。
func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{coll: db.Collection(usersCollection)}
}

var _ repository.UserRepository = (*UserRepository)(nil)

// EnsureIndexes 创建邮箱唯一索引与钱包稀疏唯一索引。
func (r *UserRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "wallet_address", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

// Create 插入用户，邮箱统一小写保存。
func (r *UserRepository) Create(ctx context.Context, user *repository.User) (*repository.User, error) {
	if user == nil {
		return nil, fmt.Errorf("user is nil")
	}
	doc := *user
	doc.Email = strings.ToLower(doc.Email)
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}
	return &doc, nil
}

// GetByID 按主键查询。
func (r *UserRepository) GetByID(ctx context.Context, id string) (*repository.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// GetByEmail 按邮箱查询。
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	return r.findOne(ctx, bson.M{"email": strings.ToLower(email)})
}

// GetByWallet 按钱包地址查询，地址由服务层统一小写。
func (r *UserRepository) GetByWallet(ctx context.Context, wallet string) (*repository.User, error) {
	return r.findOne(ctx, bson.M{"wallet_address": strings.ToLower(wallet)})
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (*repository.User, error) {
	var u repository.User
	if err := r.coll.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) findOneAndUpdate(ctx context.Context, filter, update bson.M) (*repository.User, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var u repository.User
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}
	return &u, nil
}

// UpdateProfile 更新名称与偏好。
func (r *UserRepository) UpdateProfile(ctx context.Context, id string, update repository.UserUpdate) (*repository.User, error) {
	set := bson.M{"updated_at": update.UpdatedAt}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Preferences != nil {
		set["preferences"] = *update.Preferences
	}
	return r.findOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set})
}

// SetWallet 绑定或清除钱包地址。
func (r *UserRepository) SetWallet(ctx context.Context, id string, wallet *string, at time.Time) (*repository.User, error) {
	update := bson.M{"$set": bson.M{"updated_at": at}}
	if wallet != nil {
		update["$set"] = bson.M{"updated_at": at, "wallet_address": strings.ToLower(*wallet)}
	} else {
		update["$unset"] = bson.M{"wallet_address": ""}
	}
	return r.findOneAndUpdate(ctx, bson.M{"_id": id}, update)
}

// AdjustStorageStats 原子增减存储用量。
func (r *UserRepository) AdjustStorageStats(ctx context.Context, id string, deltaFiles, deltaSize int64) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{
		"storage_stats.total_files": deltaFiles,
		"storage_stats.total_size":  deltaSize,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetStorageStats 覆盖存储用量。
func (r *UserRepository) SetStorageStats(ctx context.Context, id string, stats repository.StorageStats) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"storage_stats": stats}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordLoginFailure 以旧计数为条件更新，冲突时重读重试。
func (r *UserRepository) RecordLoginFailure(ctx context.Context, id string, policy repository.LockPolicy, now time.Time) (*repository.User, error) {
	for attempt := 0; attempt < loginUpdateRetries; attempt++ {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Locked(now) {
			return current, nil
		}

		attempts, lockUntil := nextLoginFailure(current, policy, now)
		filter := bson.M{"_id": id, "login_attempts": current.LoginAttempts}
		if current.LockUntil == nil {
			filter["lock_until"] = nil
		} else {
			filter["lock_until"] = *current.LockUntil
		}

		update := bson.M{"$set": bson.M{"login_attempts": attempts, "updated_at": now}}
		if lockUntil != nil {
			update["$set"].(bson.M)["lock_until"] = *lockUntil
		} else {
			update["$unset"] = bson.M{"lock_until": ""}
		}

		u, err := r.findOneAndUpdate(ctx, filter, update)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		return u, err
	}
	return nil, repository.ErrConflict
}

// nextLoginFailure 计算失败后的计数与锁定时间。
func nextLoginFailure(u *repository.User, policy repository.LockPolicy, now time.Time) (int, *time.Time) {
	attempts := u.LoginAttempts
	if u.LockUntil != nil {
		attempts = 0
	}
	attempts++
	if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
		until := now.Add(policy.LockFor)
		return attempts, &until
	}
	return attempts, nil
}

// RecordLoginSuccess 重置失败计数并记录登录时间。
func (r *UserRepository) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set":   bson.M{"login_attempts": 0, "last_login_at": at},
		"$unset": bson.M{"lock_until": ""},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListIDs 返回全部用户 ID。
func (r *UserRepository) ListIDs(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

// Search 按邮箱或姓名模糊查找用户。
func (r *UserRepository) Search(ctx context.Context, params repository.UserSearch) ([]repository.User, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}, {Key: "email", Value: 1}}).
		SetLimit(int64(params.Limit))
	cur, err := r.coll.Find(ctx, buildUserSearchFilter(params), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var users []repository.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func buildUserSearchFilter(params repository.UserSearch) bson.M {
	pattern := primitive.Regex{Pattern: regexp.QuoteMeta(params.Query), Options: "i"}
	return bson.M{
		"_id": bson.M{"$ne": params.ExcludeID},
		"$or": bson.A{bson.M{"email": pattern}, bson.M{"name": pattern}},
	}
}
