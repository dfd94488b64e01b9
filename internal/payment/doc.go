// Package payment 实现支付执行层: 按策略把一笔服务订单落到账本上。
//
// 三种策略可互换: direct 为带备注的单笔转账, batch 为服务费加小费的
// 原子多腿支付, token 为发行方签发的服务代币转移。策略由注入的
// StrategyPolicy 选择, 单笔订单也可以显式指定。执行器只依赖 ledger.Client
// 接口, 不回读交易存储。
package payment
