// Package redis 提供多实例部署时共享的 Redis 连接与分布式锁，
// 供后台巡检互斥、状态事件发布以及链上转账幂等日志使用。
package redis
