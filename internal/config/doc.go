// Package config 负责加载打包服务的运行配置，覆盖服务地址、存储、签名、
// 通知与日志等段落，并为缺省项填充合理默认值。链定义单独存放在 YAML
// 文件中，由 chain 包解析。
package config
