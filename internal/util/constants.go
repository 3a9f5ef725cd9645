package util

const (
	MimeJSON = "application/json"
)

// 请求头
const (
	HeaderClientTime = "X-Client-Time"
	HeaderLocation   = "X-Client-Location"
)
