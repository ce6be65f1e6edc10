package newrelic

import (
	"os"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"inviqa/entitlement-pipeline/log"
)

const (
	shutdownTimeout   = time.Second * 10
	envKeyNewRelicEnv = "NEW_RELIC_ENV"
	envKeyLogLevel    = "NEW_RELIC_LOG_LEVEL"
	envKeyRole        = "ROLE"
	defaultAppName    = "entitlement-pipeline"
)

// StartAgent starts the agent from the NEW_RELIC_* environment. The app name
// defaults to the pipeline's and every transaction is labelled with the role.
func StartAgent() (*newrelic.Application, func()) {
	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(defaultAppName),
		newrelic.ConfigFromEnvironment(),
		agentLoggingConfig(),
		func(cfg *newrelic.Config) {
			cfg.Labels = map[string]string{
				"env":  os.Getenv(envKeyNewRelicEnv),
				"role": os.Getenv(envKeyRole),
			}
		},
	)
	if err != nil {
		log.Logger.WithError(err).Fatal("error starting New Relic agent")
	}
	return app, func() {
		log.Logger.Info("shutting down newrelic agent")
		app.Shutdown(shutdownTimeout)
	}
}

func agentLoggingConfig() newrelic.ConfigOption {
	if os.Getenv(envKeyLogLevel) == "debug" {
		return newrelic.ConfigDebugLogger(log.Writer())
	}
	return newrelic.ConfigInfoLogger(log.Writer())
}
