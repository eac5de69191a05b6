// Package events 定义领域事件总线：托管会话流水、结算结果、任务工件与
// 待签名交易状态的变更都会以 Message 的形式发布，由 Dispatcher 统一消费，
// 写入审计日志并在需要时触发告警。后端支持内存、Redis list 与 RabbitMQ。
package events
