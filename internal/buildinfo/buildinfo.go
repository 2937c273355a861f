package buildinfo

import "runtime/debug"

var version = "dev"

// SetVersion 构建脚本覆盖版本号
func SetVersion(v string) {
	if v == "" {
		return
	}
	version = v
}

// Version 版本号，未注入时取模块构建信息
func Version() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
