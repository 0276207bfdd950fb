package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存代际/请求类别/命中状态字段，供拦截日志复用。
func RequestFields(cacheName, class, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"cache":     cacheName,
		"class":     class,
		"key":       key,
		"cache_hit": cacheHit,
	}
}

// GenerationFields 描述一次生命周期事件（install/activate）涉及的代际。
func GenerationFields(action, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"cache":  cacheName,
	}
}
