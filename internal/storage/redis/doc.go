// Package redis 提供共享的 Redis 客户端构造函数，供事件总线与交接交易存储复用。
package redis
