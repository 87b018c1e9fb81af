package migrations

import "embed"

// Files 包含活动日志的 MySQL 迁移脚本，文件名前缀即版本号。
//
//go:embed *.sql
var Files embed.FS
