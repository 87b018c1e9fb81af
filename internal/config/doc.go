// Package config 负责加载 AgentPay 守护进程的 JSON 配置。
//
// 相对路径（数据目录、审计日志、链定义文件）以配置文件所在目录为基准解析；
// 密钥类字段既可以直接填写，也可以通过 *_env 字段指向环境变量。
package config
