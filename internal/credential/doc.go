// Package credential 实现身份凭证子系统：链上注册表查询、本地缓存
// 回退、首次出现地址的自动签发，以及按验证等级划定支付上限的
// 授权检查。删除操作必须同时清理链上对象与本地缓存，否则视为
// 可检测的不一致。
package credential
