package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PostgresMaxConns int

	// Redis
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	RedisPoolSize  int
	StoreKeyPrefix string

	// Kafka
	KafkaBrokers     []string
	KafkaEventsTopic string

	// Container runtime
	DockerHost    string
	StopSignal    string
	StopTimeout   time.Duration
	ProfilesPath  string
	ArtifactRoot  string
	TempDir       string
	NetworkName   string
	RemoveOnExit  bool
	LogTailLength int

	// Deployment
	DeployPollInterval        time.Duration
	DeployMaxDependencyPolls  int
	DeployDependencyRetries   int
	DeployChunkSize           int
	DeployUploadPath          string
	DeployQueuePopTimeout     time.Duration
	DeployStatusWriteAttempts int
	DeployProgressTTL         time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 0),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "acceltune"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "acceltune"),
		PostgresDB:       getEnv("POSTGRES_DB", "acceltune"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxConns: getIntEnv("POSTGRES_MAX_CONNS", 10),

		RedisHost:      getEnv("REDIS_HOST", "localhost"),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getIntEnv("REDIS_DB", 0),
		RedisPoolSize:  getIntEnv("REDIS_POOL_SIZE", 20),
		StoreKeyPrefix: getEnv("STORE_KEY_PREFIX", "acceltune"),

		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaEventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "acceltune.lifecycle"),

		DockerHost:    getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),
		StopSignal:    getEnv("STOP_SIGNAL", "SIGINT"),
		StopTimeout:   getDuration("STOP_TIMEOUT", 30*time.Second),
		ProfilesPath:  getEnv("PROFILES_PATH", "/etc/acceltune/profiles.yaml"),
		ArtifactRoot:  getEnv("ARTIFACT_ROOT", "/var/lib/acceltune/models"),
		TempDir:       getEnv("TEMP_DIR", os.TempDir()),
		NetworkName:   getEnv("CONTAINER_NETWORK", "host"),
		RemoveOnExit:  getBoolEnv("REMOVE_ON_EXIT", true),
		LogTailLength: getIntEnv("LOG_TAIL_LENGTH", 100),

		DeployPollInterval:        getDuration("DEPLOY_POLL_INTERVAL", 3*time.Second),
		DeployMaxDependencyPolls:  getIntEnv("DEPLOY_MAX_DEPENDENCY_POLLS", 1200),
		DeployDependencyRetries:   getIntEnv("DEPLOY_DEPENDENCY_RETRIES", 1),
		DeployChunkSize:           getIntEnv("DEPLOY_CHUNK_SIZE_BYTES", 50*1024*1024),
		DeployUploadPath:          getEnv("DEPLOY_UPLOAD_PATH", "/api/v1/deploy"),
		DeployQueuePopTimeout:     getDuration("DEPLOY_QUEUE_POP_TIMEOUT", time.Second),
		DeployStatusWriteAttempts: getIntEnv("DEPLOY_STATUS_WRITE_ATTEMPTS", 3),
		DeployProgressTTL:         getDuration("DEPLOY_PROGRESS_TTL", time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
