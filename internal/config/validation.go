package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RefreshRate < 0 {
		return newFieldError("Global.RefreshRate", "不能为负数")
	}

	return c.App.validate()
}

func (a AppConfig) validate() error {
	if a.Name == "" {
		return newFieldError(appField("Name"), "不能为空")
	}
	if strings.ContainsAny(a.Name, `/\ `) {
		return newFieldError(appField("Name"), "不允许包含路径分隔符或空格")
	}
	if a.Version == "" {
		return newFieldError(appField("Version"), "不能为空")
	}
	if strings.ContainsAny(a.Version, `/\ `) {
		return newFieldError(appField("Version"), "不允许包含路径分隔符或空格")
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", appField("Origin"), err)
	}
	if len(a.Precache) == 0 {
		return newFieldError(appField("Precache"), "至少需要一个条目")
	}
	for i, entry := range a.Precache {
		if err := validatePrecacheEntry(entry); err != nil {
			return fmt.Errorf("%s: %w", precacheField(i), err)
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

func validatePrecacheEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(entry)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return fmt.Errorf("仅支持相对路径: %s", entry)
	}
	return nil
}
