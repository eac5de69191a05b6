// Package handoff 保存等待外部钱包签名的未签名交易。
//
// 服务端从不持有私钥：Prepare 只记录交易意图与过期时间，签名、广播与
// 确认由钱包或索引器通过 Update 回调推进。存储提供内存、Redis 与 SQL 三种实现。
package handoff
