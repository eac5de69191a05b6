// Package sqlstore 提供 MySQL 与 SQLite 共用的连接、迁移和事务工具。
// 托管会话、任务工件、支付记录与待签名交易的 SQL 存储都建立在它之上。
package sqlstore
