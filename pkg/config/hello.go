package config

// HelloConfig holds runtime configuration for the hello service.
type HelloConfig struct {
	Port int
}

// LoadHelloConfig constructs a HelloConfig from environment variables.
func LoadHelloConfig() HelloConfig {
	return HelloConfig{
		Port: GetInt("PORT", 8080),
	}
}
