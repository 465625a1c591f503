// Package signer 实现单账户的请求打包引擎: 把零散的小请求聚合为按
// nonce 槽位排队的批量交易，对超时槽位加价重发，并周期性核对链上
// 确认状态，把达到阈值的批次终结并通知下游。
package signer
