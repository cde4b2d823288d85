// Package config 加载 IntentMesh 的启动配置：存储、通知、结算网关、巡检与可观测性。
package config
