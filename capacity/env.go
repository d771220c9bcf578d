package capacity

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

type envConfig struct {
	GlobalMaxConcurrent     int           `env:"GUARDRAIL_GLOBAL_MAX_CONCURRENT,default=100"`
	GlobalQueueMaxDepth     int           `env:"GUARDRAIL_GLOBAL_QUEUE_MAX_DEPTH,default=50"`
	GlobalAcquireTimeout    time.Duration `env:"GUARDRAIL_GLOBAL_ACQUIRE_TIMEOUT,default=5s"`
	PerTenantMaxConcurrent  int           `env:"GUARDRAIL_TENANT_MAX_CONCURRENT,default=10"`
	PerTenantQueueMaxDepth  int           `env:"GUARDRAIL_TENANT_QUEUE_MAX_DEPTH,default=20"`
	PerTenantAcquireTimeout time.Duration `env:"GUARDRAIL_TENANT_ACQUIRE_TIMEOUT,default=3s"`
}

// FromEnv builds a Config from GUARDRAIL_* environment variables, keeping the
// default tier multipliers.
func FromEnv() (Config, error) {
	var ec envConfig
	if err := envdecode.Decode(&ec); err != nil {
		return Config{}, fmt.Errorf("decoding capacity config: %w", err)
	}

	config := Default()
	config.GlobalMaxConcurrent = ec.GlobalMaxConcurrent
	config.GlobalQueueMaxDepth = ec.GlobalQueueMaxDepth
	config.GlobalAcquireTimeout = ec.GlobalAcquireTimeout
	config.PerTenantMaxConcurrent = ec.PerTenantMaxConcurrent
	config.PerTenantQueueMaxDepth = ec.PerTenantQueueMaxDepth
	config.PerTenantAcquireTimeout = ec.PerTenantAcquireTimeout

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}
