// Package api 对外暴露打包服务的 REST 接口: 提交待打包请求、按 id 区间
// 查询请求状态、列出已注册的链，并输出 HTTP 指标。
package api
