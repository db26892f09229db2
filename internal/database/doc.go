/*
包 database 负责挂起记录存储所用的 GORM 连接。

Open 按 database.driver 选择 postgres、mysql 或 sqlite 方言；
PoolManager 配置连接池参数，后台定时探活，并通过 StatsReporter
把连接数上报给指标收集器。就绪检查使用 Ping。
*/
package database
