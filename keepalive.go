package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// startKeepalive pings an externally reachable URL on a timer so
// constrained hosts do not idle the process out. Blocks until the context
// ends.
func startKeepalive(ctx context.Context, url string) {
	client := newHTTPClient()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	log.Info().Str("url", url).Dur("interval", keepaliveInterval).Msg("Keepalive self-ping enabled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := client.R().SetContext(ctx).Get(url)
			if err != nil {
				log.Warn().Err(err).Msg("Keepalive ping failed")
				continue
			}
			log.Debug().Int("status", resp.StatusCode()).Msg("Keepalive ping")
		}
	}
}
