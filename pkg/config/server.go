package config

import "time"

// ServerConfig holds runtime configuration for the slipwayd delivery server.
type ServerConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	OperatorToken      string
	WebhookSecret      string
	DeployBranch       string
	RepoURL            string
	Workdir            string
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	PushTimeout        time.Duration
	DockerHost         string
	Registry           string
	ImageRepo          string
	RegistryTokenURL   string
	RegistryKeyID      string
	RegistryKeySecret  string
	DockerfilePath     string
	DescriptorPath     string
	ReleaseTarget      string
	KubeNamespace      string
	StabilityTimeout   time.Duration
	NotifyURL          string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("SLIPWAY_ADDR", ":7000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://slipway:slipway@db:5432/slipway?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		OperatorToken:      GetString("OPERATOR_TOKEN", ""),
		WebhookSecret:      GetString("WEBHOOK_SECRET", ""),
		DeployBranch:       GetString("DEPLOY_BRANCH", "main"),
		RepoURL:            GetString("REPO_URL", ""),
		Workdir:            GetString("SLIPWAY_WORKDIR", "/tmp/slipway"),
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		PushTimeout:        time.Duration(GetInt("PUSH_TIMEOUT_SECONDS", 300)) * time.Second,
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Registry:           GetString("REGISTRY", "localhost:5000"),
		ImageRepo:          GetString("IMAGE_REPO", "slipway/hello"),
		RegistryTokenURL:   GetString("REGISTRY_TOKEN_URL", ""),
		RegistryKeyID:      GetString("REGISTRY_KEY_ID", ""),
		RegistryKeySecret:  GetString("REGISTRY_KEY_SECRET", ""),
		DockerfilePath:     GetString("DOCKERFILE_PATH", "deploy/Dockerfile"),
		DescriptorPath:     GetString("DESCRIPTOR_PATH", "deploy/slipway.yaml"),
		ReleaseTarget:      GetString("RELEASE_TARGET", "kubernetes"),
		KubeNamespace:      GetString("KUBE_NAMESPACE", "default"),
		StabilityTimeout:   time.Duration(GetInt("STABILITY_TIMEOUT_SECONDS", 180)) * time.Second,
		NotifyURL:          GetString("NOTIFY_URL", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
