// Package service 实现服务请求编排: 顶层状态机校验信任边、双方凭证与
// 授权额度, 调用支付分发器完成结算, 再经履约桩合成结果并落定交易记录。
//
// 交易状态机为 pending → authorized → completed | failed, 终态不可重开。
// 信任/能力等前置授权门在任何 pending 交易持久化之前短路; 凭证与额度门
// 在任何链上支付之前短路。支付失败不做自动重试, 重试策略留给能先核对
// 账本状态的调用方。
//
// 包内同时提供交易存储 (内存/MySQL)、请求队列 (内存/Redis/RabbitMQ)
// 与异步处理器, 供守护进程把提交与执行解耦。
package service
