package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the startup banner and logs the effective settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Meta", Version)

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("address", config.Server.Host).
		Int("port", config.Server.Port).
		Int("concurrency", config.Queue.Concurrency).
		Str("catalog_dir", config.Catalog.Dir).
		Msg("Meta pipeline tracker starting")
}
