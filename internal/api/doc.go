// Package api 通过 gin 暴露 REST 接口：发布意图、撮合、托管推进、智能体注册表与账本查询。
//
// 调用方身份由上游网关写入可信请求头，见 auth.Middleware。
package api
