package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers a default for every configuration key.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("main.name", "presence")

	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "logs/presence.log")
	v.SetDefault("logging.file.level", "info")

	v.SetDefault("presence.window", 5*time.Second)
	v.SetDefault("presence.pacing", 30*time.Millisecond)

	v.SetDefault("identity.cachettl", 300*time.Second)
	v.SetDefault("identity.lookuptimeout", 2*time.Second)
	v.SetDefault("identity.batchconcurrency", 4)
	v.SetDefault("identity.matching", []string{"exact", "externalid", "username", "composite"})

	v.SetDefault("detector.url", "http://localhost:9000")
	v.SetDefault("detector.timeout", 5*time.Second)
	v.SetDefault("detector.confidence", 0.25)
	v.SetDefault("detector.iou", 0.5)
	v.SetDefault("detector.imagesize", 640)
	v.SetDefault("detector.labelpath", "")
	v.SetDefault("detector.ratelimit", 0.0)

	v.SetDefault("source.type", "directory")
	v.SetDefault("source.path", "frames")
	v.SetDefault("source.fps", 15.0)
	v.SetDefault("source.loop", true)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite.path", "presence.db")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", "3306")
	v.SetDefault("database.mysql.username", "")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "presence")

	v.SetDefault("webserver.listen", ":8000")
	v.SetDefault("webserver.allowedorigins", []string{"*"})
	v.SetDefault("webserver.persistsettings", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.listen", "0.0.0.0:8090")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "presence")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.clientid", "")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}
