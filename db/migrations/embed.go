package migrations

import "embed"

// Files 包含按文件名排序执行的建表脚本。
//
//go:embed *.up.sql
var Files embed.FS
