package remote

import (
	"context"
	"fmt"
	"time"

	"passfiles/internal/config"
	"passfiles/internal/pf"
)

// NewRemoteFromConfig creates a RemoteAPI implementation based on the remote config type.
// Type "none" returns a nil remote: the session works offline.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig, clock pf.Clock, logger pf.Logger) (pf.RemoteAPI, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "memory":
		return NewMemoryRemote(clock, cfg.DeleteSecret), nil
	case "http":
		timeout := DefaultHTTPTimeout
		if cfg.HTTPTimeout != "" {
			d, err := time.ParseDuration(cfg.HTTPTimeout)
			if err != nil {
				return nil, fmt.Errorf("invalid http_timeout %q: %w", cfg.HTTPTimeout, err)
			}
			timeout = d
		}
		return NewHTTPRemote(cfg.HTTPURL, cfg.HTTPToken, timeout, logger)
	case "s3":
		return NewS3Remote(ctx, S3Options{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			DeleteSecret: cfg.DeleteSecret,
		}, clock, logger)
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
