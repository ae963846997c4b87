// Package autoload initializes the global logger from LOG_* variables on import.
package autoload

import (
	"github.com/rs/zerolog/log"

	configx "github.com/tanpawarit/Chative-Expert-Panel/pkg/config"
	logx "github.com/tanpawarit/Chative-Expert-Panel/pkg/logger"
)

func init() {
	conf, err := configx.FromEnv[logx.Config]("LOG")
	if err != nil {
		logx.Init()
		log.Warn().Err(err).Msg("invalid log config, using defaults")
		return
	}
	logx.Init(*conf)
}
