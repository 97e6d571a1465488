package device_opcua

// Version 构建时通过 -ldflags "-X github.com/linjuya-lu/device_opcua_go.Version=x.y.z" 覆盖
var Version = "0.0.0"
