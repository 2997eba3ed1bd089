package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"decendata/internal/repository"
)

// NewFileRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	db *sql.DB
}

var _ repository.FileRepository = (*FileRepository)(nil)

var fileSelectColumns = []string{
	"id",
	"owner_id",
	"content_hash",
	"size",
	"media_type",
	"display_name",
	"extension",
	"visibility",
	"status",
	"metadata",
	"encryption_algorithm",
	"encryption_salt",
	"encryption_nonce",
	"version",
	"view_count",
	"download_count",
	"last_viewed_at",
	"last_downloaded_at",
	"annotations",
	"created_at",
	"updated_at",
}

var fileInsertColumns = []string{
	"id",
	"owner_id",
	"content_hash",
	"size",
	"media_type",
	"display_name",
	"extension",
	"visibility",
	"status",
	"metadata",
	"encryption_algorithm",
	"encryption_salt",
	"encryption_nonce",
	"version",
	"annotations",
	"created_at",
	"updated_at",
}

var shareSelectColumns = []string{
	"id",
	"file_id",
	"recipient_id",
	"invited_by",
	"permission",
	"status",
	"invited_at",
	"responded_at",
	"expires_at",
	"message",
}

// Create 插入文件记录，内容哈希冲突时返回 ErrDuplicate。
func (r *FileRepository) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}

	metadataBytes, err := json.Marshal(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	annotationBytes, err := json.Marshal(record.Annotations)
	if err != nil {
		return nil, fmt.Errorf("encode annotations: %w", err)
	}

	var (
		algorithm   sql.NullString
		salt, nonce []byte
	)
	if record.Encryption != nil {
		algorithm = sql.NullString{String: record.Encryption.Algorithm, Valid: true}
		salt = record.Encryption.Salt
		nonce = record.Encryption.Nonce
	}

	query := fmt.Sprintf(`INSERT INTO files (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(fileInsertColumns, ","),
		strings.Join(placeholders(1, len(fileInsertColumns)), ","),
		strings.Join(fileSelectColumns, ","),
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.OwnerID,
		record.ContentHash,
		record.Size,
		record.MediaType,
		record.DisplayName,
		record.Extension,
		record.Visibility,
		record.Status,
		metadataBytes,
		algorithm,
		salt,
		nonce,
		record.Version,
		annotationBytes,
		record.CreatedAt,
		record.UpdatedAt,
	)

	created, err := scanFileRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}
	created.Shares = []repository.Share{}
	created.Versions = []repository.FileVersion{}
	return created, nil
}

// GetByID 通过主键查询文件记录及其邀请、历史版本。
func (r *FileRepository) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, strings.Join(fileSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	file, err := scanFileRecord(row)
	if err != nil {
		return nil, notFoundOr(err)
	}

	records := []*repository.FileRecord{file}
	if err := r.loadChildren(ctx, records); err != nil {
		return nil, err
	}
	return file, nil
}

// List 支持按所有者、状态、标签、关键字与分享关系过滤并分页。
func (r *FileRepository) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	whereClause, args := buildFileFilter(params)

	args = append(args, limit)
	tail := fmt.Sprintf("ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	if params.Offset > 0 {
		args = append(args, params.Offset)
		tail += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM files %s %s`, strings.Join(fileSelectColumns, ","), whereClause, tail)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*repository.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadChildren(ctx, records); err != nil {
		return nil, err
	}

	result := make([]repository.FileRecord, 0, len(records))
	for _, rec := range records {
		result = append(result, *rec)
	}
	return result, nil
}

// Count 返回满足过滤条件的记录数。
func (r *FileRepository) Count(ctx context.Context, params repository.ListFilesParams) (int, error) {
	whereClause, args := buildFileFilter(params)
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files `+whereClause, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func buildFileFilter(params repository.ListFilesParams) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if params.OwnerID != "" {
		conds = append(conds, "owner_id = "+next(params.OwnerID))
	}
	if params.Visibility != "" {
		conds = append(conds, "visibility = "+next(params.Visibility))
	}
	if len(params.Statuses) > 0 {
		ph := make([]string, len(params.Statuses))
		for i, status := range params.Statuses {
			ph[i] = next(status)
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	} else {
		// 默认排除已删除的文件
		conds = append(conds, "status != "+next(repository.FileStatusDeleted))
	}
	if params.Search != "" {
		p := next("%" + escapeLike(params.Search) + "%")
		conds = append(conds, fmt.Sprintf("(display_name ILIKE %s OR metadata->>'description' ILIKE %s)", p, p))
	}
	for _, tag := range params.Tags {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements_text(COALESCE(metadata->'tags', '[]'::jsonb)) t WHERE lower(t) = lower(%s))",
			next(tag),
		))
	}
	if params.SharedWith != "" {
		shareConds := []string{"s.file_id = files.id", "s.recipient_id = " + next(params.SharedWith)}
		if params.ShareStatus != "" {
			shareConds = append(shareConds, "s.status = "+next(params.ShareStatus))
		}
		if params.ShareActiveAt != nil {
			shareConds = append(shareConds, fmt.Sprintf("(s.expires_at IS NULL OR s.expires_at > %s)", next(*params.ShareActiveAt)))
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM file_shares s WHERE "+strings.Join(shareConds, " AND ")+")")
	}

	return "WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// UpdateMetadata 局部更新可编辑字段。
func (r *FileRepository) UpdateMetadata(ctx context.Context, id string, update repository.FileUpdate) (*repository.FileRecord, error) {
	var (
		sets []string
		args []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.DisplayName != nil {
		sets = append(sets, "display_name = "+next(*update.DisplayName))
	}
	if update.Visibility != nil {
		sets = append(sets, "visibility = "+next(*update.Visibility))
	}
	if update.Status != nil {
		sets = append(sets, "status = "+next(*update.Status))
	}
	metaExpr := "metadata"
	if update.Description != nil {
		metaExpr = fmt.Sprintf("jsonb_set(%s, '{description}', to_jsonb(%s::text))", metaExpr, next(*update.Description))
	}
	if update.Tags != nil {
		tags, err := json.Marshal(*update.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		metaExpr = fmt.Sprintf("jsonb_set(%s, '{tags}', %s::jsonb)", metaExpr, next(string(tags)))
	}
	if update.Properties != nil {
		props, err := json.Marshal(*update.Properties)
		if err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
		metaExpr = fmt.Sprintf("jsonb_set(%s, '{properties}', %s::jsonb)", metaExpr, next(string(props)))
	}
	if metaExpr != "metadata" {
		sets = append(sets, "metadata = "+metaExpr)
	}
	sets = append(sets, "updated_at = "+next(update.UpdatedAt))

	query := fmt.Sprintf(`UPDATE files SET %s WHERE id = %s`, strings.Join(sets, ", "), next(id))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, repository.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// ReplaceContent 在事务内写入历史版本并切换当前内容。
func (r *FileRepository) ReplaceContent(ctx context.Context, id string, update repository.ContentUpdate) (*repository.FileRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		version    int
		hash       string
		size       int64
		uploadedAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT version, content_hash, size, updated_at FROM files WHERE id = $1 FOR UPDATE`, id,
	).Scan(&version, &hash, &size, &uploadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if version != update.ExpectedVersion {
		return nil, repository.ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_versions (file_id, version, content_hash, size, uploaded_at, changes) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, version, hash, size, uploadedAt, update.Changes,
	); err != nil {
		return nil, err
	}

	var (
		algorithm   sql.NullString
		salt, nonce []byte
	)
	if update.Encryption != nil {
		algorithm = sql.NullString{String: update.Encryption.Algorithm, Valid: true}
		salt = update.Encryption.Salt
		nonce = update.Encryption.Nonce
	}

	_, err = tx.ExecContext(ctx, `UPDATE files SET
		content_hash = $1,
		size = $2,
		media_type = COALESCE(NULLIF($3, ''), media_type),
		encryption_algorithm = $4,
		encryption_salt = $5,
		encryption_nonce = $6,
		version = version + 1,
		updated_at = $7
	WHERE id = $8`,
		update.ContentHash, update.Size, update.MediaType, algorithm, salt, nonce, update.UpdatedAt, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return r.GetByID(ctx, id)
}

// Delete 硬删除记录，邀请与历史版本级联删除。
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// RecordAccess 原子递增浏览或下载计数。
func (r *FileRepository) RecordAccess(ctx context.Context, id string, kind repository.AccessKind, at time.Time) error {
	query := `UPDATE files SET view_count = view_count + 1, last_viewed_at = $1 WHERE id = $2`
	if kind == repository.AccessDownload {
		query = `UPDATE files SET download_count = download_count + 1, last_downloaded_at = $1 WHERE id = $2`
	}
	res, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// AddShare 插入邀请，部分唯一索引保证同一接收者至多一条未拒绝邀请。
func (r *FileRepository) AddShare(ctx context.Context, fileID string, share repository.Share) error {
	query := fmt.Sprintf(`INSERT INTO file_shares (%s) VALUES (%s)`,
		strings.Join(shareSelectColumns, ","),
		strings.Join(placeholders(1, len(shareSelectColumns)), ","),
	)
	_, err := r.db.ExecContext(ctx, query,
		share.ID,
		fileID,
		share.RecipientID,
		share.InvitedBy,
		share.Permission,
		share.Status,
		share.InvitedAt,
		nullTime(share.RespondedAt),
		nullTime(share.ExpiresAt),
		share.Message,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return repository.ErrConflict
	case isForeignKeyViolation(err):
		return repository.ErrNotFound
	default:
		return err
	}
}

// UpdateShareStatus 条件迁移邀请状态。
func (r *FileRepository) UpdateShareStatus(ctx context.Context, fileID, shareID string, from, to repository.ShareStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE file_shares SET status = $1, responded_at = $2 WHERE id = $3 AND file_id = $4 AND status = $5`,
		to, at, shareID, fileID, from,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrConflict
	}
	return nil
}

// RemoveShare 删除邀请。
func (r *FileRepository) RemoveShare(ctx context.Context, fileID, shareID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM file_shares WHERE id = $1 AND file_id = $2`, shareID, fileID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SaveAnnotation 覆盖同类标注。
func (r *FileRepository) SaveAnnotation(ctx context.Context, fileID string, annotation repository.Annotation) error {
	payload, err := json.Marshal(annotation)
	if err != nil {
		return fmt.Errorf("encode annotation: %w", err)
	}
	key := "analysis"
	if annotation.Kind == "security" {
		key = "security"
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE files SET annotations = annotations || jsonb_build_object($1::text, $2::jsonb) WHERE id = $3`,
		key, string(payload), fileID,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// HashReferenced 判断哈希是否仍被当前或历史版本引用。
func (r *FileRepository) HashReferenced(ctx context.Context, hash string) (bool, error) {
	var referenced bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM files WHERE content_hash = $1) OR EXISTS (SELECT 1 FROM file_versions WHERE content_hash = $1)`,
		hash,
	).Scan(&referenced)
	return referenced, err
}

// ListContentRefs 列出全部内容引用。
func (r *FileRepository) ListContentRefs(ctx context.Context) ([]repository.ContentRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, owner_id, content_hash, TRUE FROM files
	UNION ALL
	SELECT v.file_id, f.owner_id, v.content_hash, FALSE FROM file_versions v JOIN files f ON f.id = v.file_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []repository.ContentRef
	for rows.Next() {
		var ref repository.ContentRef
		if err := rows.Scan(&ref.FileID, &ref.OwnerID, &ref.ContentHash, &ref.Current); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UsageByOwner 汇总 active 与 archived 文件的数量与大小。
func (r *FileRepository) UsageByOwner(ctx context.Context) (map[string]repository.StorageStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT owner_id, COUNT(*), COALESCE(SUM(size), 0) FROM files WHERE status IN ($1, $2) GROUP BY owner_id`,
		repository.FileStatusActive, repository.FileStatusArchived,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := make(map[string]repository.StorageStats)
	for rows.Next() {
		var (
			owner string
			stats repository.StorageStats
		)
		if err := rows.Scan(&owner, &stats.TotalFiles, &stats.TotalSize); err != nil {
			return nil, err
		}
		usage[owner] = stats
	}
	return usage, rows.Err()
}

// loadChildren 为记录批量加载邀请与历史版本。
func (r *FileRepository) loadChildren(ctx context.Context, records []*repository.FileRecord) error {
	if len(records) == 0 {
		return nil
	}

	byID := make(map[string]*repository.FileRecord, len(records))
	ids := make([]any, 0, len(records))
	for _, rec := range records {
		rec.Shares = []repository.Share{}
		rec.Versions = []repository.FileVersion{}
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}
	in := strings.Join(placeholders(1, len(ids)), ",")

	shareQuery := fmt.Sprintf(`SELECT %s FROM file_shares WHERE file_id IN (%s) ORDER BY invited_at, id`,
		strings.Join(shareSelectColumns, ","), in)
	rows, err := r.db.QueryContext(ctx, shareQuery, ids...)
	if err != nil {
		return fmt.Errorf("load shares: %w", err)
	}
	for rows.Next() {
		fileID, share, err := scanShare(rows)
		if err != nil {
			rows.Close()
			return err
		}
		if rec, ok := byID[fileID]; ok {
			rec.Shares = append(rec.Shares, share)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	versionQuery := fmt.Sprintf(`SELECT file_id, version, content_hash, size, uploaded_at, changes FROM file_versions WHERE file_id IN (%s) ORDER BY version`, in)
	rows, err = r.db.QueryContext(ctx, versionQuery, ids...)
	if err != nil {
		return fmt.Errorf("load versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			fileID string
			v      repository.FileVersion
		)
		if err := rows.Scan(&fileID, &v.Version, &v.ContentHash, &v.Size, &v.UploadedAt, &v.Changes); err != nil {
			return err
		}
		if rec, ok := byID[fileID]; ok {
			rec.Versions = append(rec.Versions, v)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(rs rowScanner) (*repository.FileRecord, error) {
	var (
		rec              repository.FileRecord
		metadata         []byte
		annotations      []byte
		algorithm        sql.NullString
		salt, nonce      []byte
		lastViewedAt     sql.NullTime
		lastDownloadedAt sql.NullTime
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.ContentHash,
		&rec.Size,
		&rec.MediaType,
		&rec.DisplayName,
		&rec.Extension,
		&rec.Visibility,
		&rec.Status,
		&metadata,
		&algorithm,
		&salt,
		&nonce,
		&rec.Version,
		&rec.Stats.ViewCount,
		&rec.Stats.DownloadCount,
		&lastViewedAt,
		&lastDownloadedAt,
		&annotations,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if rec.Metadata.Tags == nil {
		rec.Metadata.Tags = []string{}
	}
	if len(annotations) > 0 {
		if err := json.Unmarshal(annotations, &rec.Annotations); err != nil {
			return nil, fmt.Errorf("decode annotations: %w", err)
		}
	}
	if algorithm.Valid {
		rec.Encryption = &repository.Encryption{Algorithm: algorithm.String, Salt: salt, Nonce: nonce}
	}
	if lastViewedAt.Valid {
		rec.Stats.LastViewedAt = &lastViewedAt.Time
	}
	if lastDownloadedAt.Valid {
		rec.Stats.LastDownloadedAt = &lastDownloadedAt.Time
	}

	return &rec, nil
}

func scanShare(rs rowScanner) (string, repository.Share, error) {
	var (
		fileID      string
		share       repository.Share
		respondedAt sql.NullTime
		expiresAt   sql.NullTime
	)
	if err := rs.Scan(
		&share.ID,
		&fileID,
		&share.RecipientID,
		&share.InvitedBy,
		&share.Permission,
		&share.Status,
		&share.InvitedAt,
		&respondedAt,
		&expiresAt,
		&share.Message,
	); err != nil {
		return "", share, err
	}
	if respondedAt.Valid {
		share.RespondedAt = &respondedAt.Time
	}
	if expiresAt.Valid {
		share.ExpiresAt = &expiresAt.Time
	}
	return fileID, share, nil
}
