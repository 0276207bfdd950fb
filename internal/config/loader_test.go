package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[App]
Name = "shiftcalc"
Version = "v1"
Origin = "https://example.github.io"
Precache = ["./"]
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsPlainSecondDurations(t *testing.T) {
	cfg := `
StoragePath = "./data"
StorageDriver = "SQLite"
InitialBackoff = 2

[App]
Name = "shiftcalc"
Version = "v272"
Origin = "https://example.github.io/"
Precache = ["./", "./index.html"]
ImmediateTakeover = true
BroadcastUpdates = false
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.InitialBackoff.DurationValue().Seconds(); got != 2 {
		t.Fatalf("InitialBackoff 应为 2s，得到 %v", got)
	}
	if loaded.Global.StorageDriver != StorageDriverSQLite {
		t.Fatalf("StorageDriver 应归一化为小写，得到 %s", loaded.Global.StorageDriver)
	}
	if loaded.App.Origin != "https://example.github.io" {
		t.Fatalf("Origin 末尾斜杠应被去除，得到 %s", loaded.App.Origin)
	}
	if !loaded.App.ImmediateTakeover || loaded.App.BroadcastUpdates {
		t.Fatalf("布尔开关解析错误: %+v", loaded.App)
	}
	if loaded.App.TakeoverMode() != "immediate" {
		t.Fatalf("TakeoverMode 错误: %s", loaded.App.TakeoverMode())
	}
}
