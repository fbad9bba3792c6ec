package sessions

import (
	"log/slog"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
	"github.com/personalagent/sessiond/internal/utils"
)

// NewStore picks Redis when REDIS_HOST is set and reachable, falling
// back to MemoryStore otherwise — the same decision ssrok's
// internal/session/factory.go makes.
func NewStore(log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	log = applog.Component(log, "sessions")

	redisHost := utils.GetEnv(constants.EnvRedisHost, "")
	if redisHost == "" {
		log.Info("using in-memory session registry")
		return NewMemoryStore()
	}

	redisPort := utils.GetEnv(constants.EnvRedisPort, "6379")
	redisUser := utils.GetEnv(constants.EnvRedisUser, "")
	redisPass := utils.GetEnv(constants.EnvRedisPass, "")

	store, err := NewRedisStore(redisHost, redisPort, redisUser, redisPass, log)
	if err != nil {
		log.Warn("redis connection failed, falling back to in-memory session registry", "error", err)
		return NewMemoryStore()
	}
	log.Info("using redis session registry", "host", redisHost, "port", redisPort)
	return store
}
