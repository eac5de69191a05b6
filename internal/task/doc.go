// Package task 记录可计费工具调用的审计工件。
//
// 每次调用先写入 pending 工件，结束后转为 settled 或 failed。Tracker
// 把这一流程包裹在任意执行函数外，存储支持内存与 SQL 两种实现。
package task
