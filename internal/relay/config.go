package relay

// Config contains completion relay settings.
type Config struct {
	SystemPrompt       string  `env:"SYSTEM_PROMPT"        envDefault:"You are a helpful assistant."`
	HideModelIdentity  bool    `env:"HIDE_MODEL_IDENTITY"  envDefault:"true"`
	DefaultTemperature float64 `env:"DEFAULT_TEMPERATURE"  envDefault:"0.3"`
	StreamIncludeUsage bool    `env:"STREAM_INCLUDE_USAGE" envDefault:"true"`
}
