package config

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func LoadConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/periscan/")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Warn().Msg("Config file not found")
		} else {
			log.Panic().Err(err).Msg("Fatal error reading config file")
		}
	}
	SetDefaultConfig()
}

func SetDefaultConfig() {
	// Model provider
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.queue.timeout", 30)
	viper.SetDefault("llm.queue.min_delay", 2)
	viper.SetDefault("llm.queue.retry_delay", 2)

	// Tool backend
	viper.SetDefault("backend.url", "http://127.0.0.1:18080/sse")
	viper.SetDefault("backend.connect_timeout", 10)

	// Orchestrator mode
	viper.SetDefault("agent.max_plan_rounds", 5)
	viper.SetDefault("agent.max_iterations", 50)
	viper.SetDefault("agent.steps_per_plan", 5)
	viper.SetDefault("agent.tool_calls_per_step", 5)
	viper.SetDefault("agent.history_window", 40)
	viper.SetDefault("agent.rate_limit_backoff", 60)

	// Worker pool mode
	viper.SetDefault("swarm.workers.crawler", 1)
	viper.SetDefault("swarm.workers.scanner", 2)
	viper.SetDefault("swarm.workers.fuzzer", 1)
	viper.SetDefault("swarm.workers.analyzer", 1)
	viper.SetDefault("swarm.iterations_per_worker", 20)
	viper.SetDefault("swarm.requests_per_second", 2)

	// Verification
	viper.SetDefault("recheck.confidence_threshold", 70)
	viper.SetDefault("recheck.payload_spacing_ms", 500)
	viper.SetDefault("recheck.poll_interval", 1)
}
