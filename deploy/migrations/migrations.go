package migrations

import "embed"

// Files 嵌入交易存储的全部 SQL 迁移脚本, 按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
