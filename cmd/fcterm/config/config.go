package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir   string
	SocketDir string
	LogLevel  string
	LogFormat string

	// Image pipeline
	Recipe    string
	WorkDir   string
	ImageTag  string
	ImageSize string
	UseSudo   bool

	// Host networking
	TAPName    string
	TAPAddress string
	Uplink     string

	// Hypervisor
	FirecrackerBinary string
	KernelPath        string
	VCPUs             int
	Memory            string
	ReadyPollInterval time.Duration
	ReadyPollAttempts int
	APITimeout        time.Duration
	ShutdownGrace     time.Duration
	SmokeSettle       time.Duration

	// OpenTelemetry
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		DataDir:   getEnv("DATA_DIR", "/var/lib/fcterm"),
		SocketDir: getEnv("SOCKET_DIR", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		Recipe:    getEnv("RECIPE", "Dockerfile"),
		WorkDir:   getEnv("WORK_DIR", "."),
		ImageTag:  getEnv("IMAGE_TAG", "fcterm-rootfs:latest"),
		ImageSize: getEnv("IMAGE_SIZE", "5G"),
		UseSudo:   getEnvBool("USE_SUDO", true),

		TAPName:    getEnv("TAP_NAME", "ftap0"),
		TAPAddress: getEnv("TAP_ADDRESS", "172.20.0.1/24"),
		Uplink:     getEnv("UPLINK_INTERFACE", ""),

		FirecrackerBinary: getEnv("FIRECRACKER_BIN", "firecracker"),
		KernelPath:        getEnv("KERNEL_PATH", "vmlinux"),
		VCPUs:             getEnvInt("VCPUS", 1),
		Memory:            getEnv("MEMORY", "512MB"),
		ReadyPollInterval: getEnvDuration("READY_POLL_INTERVAL", time.Second),
		ReadyPollAttempts: getEnvInt("READY_POLL_ATTEMPTS", 10),
		APITimeout:        getEnvDuration("API_TIMEOUT", 10*time.Second),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 5*time.Second),
		SmokeSettle:       getEnvDuration("SMOKE_SETTLE", 3*time.Second),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "fcterm"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", hostname),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", "dev"),
		Env:                   getEnv("ENV", "unset"),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
