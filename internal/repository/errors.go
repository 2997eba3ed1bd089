package repository

import "errors"

// ErrNotFound 表示目标记录不存在。
var ErrNotFound = errors.New("repository: record not found")

// ErrDuplicate 表示违反唯一约束（内容哈希、邮箱、钱包地址等）。
var ErrDuplicate = errors.New("repository: duplicate record")

// ErrConflict 表示条件更新没有命中任何记录。
var ErrConflict = errors.New("repository: conditional update conflict")
