/*
包 migration 管理挂起记录表 run_suspensions 的 Schema 迁移，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下，
文件名遵循 000001_name.up.sql / .down.sql 约定。服务启动时可
自动执行 Up，也可通过 aura migrate 子命令手动管理版本。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Steps/Force/Version/Status/Info。
  - Config：数据库类型、连接 URL、版本表名与锁超时。
  - CLI：面向终端的格式化输出。
  - NewMigratorFromConfig：从应用配置构造迁移器。
*/
package migration
