package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	DNS      DNSConfig
	Auth     AuthConfig
	Fleet    FleetConfig
}

type AppConfig struct {
	Port      string
	Mode      string
	PublicURL string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type AWSConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	EC2Endpoint      string
	S3Endpoint       string
	S3Bucket         string
	S3UsePathStyle   bool
	PresignTTL       time.Duration
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string
}

type DNSConfig struct {
	Binary       string
	Server       string
	Zone         string
	KeyName      string
	KeyAlgorithm string
	KeySecret    string
	TTL          int
}

type AuthConfig struct {
	JWTSecret      string
	AdminRole      string
	SecretAttempts int
	SecretWindow   time.Duration
}

// FleetConfig carries every tunable of the scaling and pipeline logic.
type FleetConfig struct {
	AutoscalerEnabled  bool
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleCooldown      time.Duration

	ScalingInterval             time.Duration
	HealthInterval              time.Duration
	AssignSweepInterval         time.Duration
	ViewerReconcileInterval     time.Duration
	SessionReconcileInterval    time.Duration
	AssignmentReconcileInterval time.Duration

	AssignmentIdleTimeout time.Duration
	SessionStaleAfter     time.Duration
	SessionNoHeartbeatTTL time.Duration

	EdgeDeferDelay   time.Duration
	EdgeMaxClients   int
	OriginMaxClients int
	EdgeProfile      string
	OriginProfile    string
	Image            string
	ServerPort       int

	VMPollInterval time.Duration
	VMPollAttempts int
	ReadyAttempts  int
	ReadyBackoff   time.Duration
	ProbeTimeout   time.Duration

	DrainTimeout      time.Duration
	DrainPollInterval time.Duration

	WorkerConcurrency int
	LockTTL           time.Duration
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		App: AppConfig{
			Port:      getEnv("APP_PORT", "8080"),
			Mode:      getEnv("APP_MODE", "debug"),
			PublicURL: getEnv("APP_PUBLIC_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "relay_fleet"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", "eu-central-1"),
			AccessKey:        getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretKey:        getEnv("AWS_SECRET_ACCESS_KEY", ""),
			EC2Endpoint:      getEnv("AWS_EC2_ENDPOINT", ""),
			S3Endpoint:       getEnv("AWS_S3_ENDPOINT", ""),
			S3Bucket:         getEnv("AWS_S3_BUCKET", ""),
			S3UsePathStyle:   getEnvAsBool("AWS_S3_PATH_STYLE", false),
			PresignTTL:       getEnvAsDuration("AWS_PRESIGN_TTL", time.Hour),
			SubnetID:         getEnv("AWS_SUBNET_ID", ""),
			SecurityGroupIDs: getEnvAsList("AWS_SECURITY_GROUP_IDS"),
			KeyName:          getEnv("AWS_KEY_NAME", ""),
		},
		DNS: DNSConfig{
			Binary:       getEnv("DNS_NSUPDATE_BIN", "nsupdate"),
			Server:       getEnv("DNS_SERVER", ""),
			Zone:         getEnv("DNS_ZONE", "stream.example.org"),
			KeyName:      getEnv("DNS_KEY_NAME", "stream-ddns"),
			KeyAlgorithm: getEnv("DNS_KEY_ALGORITHM", "hmac-sha256"),
			KeySecret:    getEnv("DNS_KEY_SECRET", ""),
			TTL:          getEnvAsInt("DNS_TTL", 60),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "change-me"),
			AdminRole:      getEnv("JWT_ADMIN_ROLE", "admin"),
			SecretAttempts: getEnvAsInt("SHARED_SECRET_ATTEMPTS", 10),
			SecretWindow:   getEnvAsDuration("SHARED_SECRET_WINDOW", time.Minute),
		},
		Fleet: FleetConfig{
			AutoscalerEnabled:  getEnvAsBool("AUTOSCALER_ENABLED", true),
			ScaleUpThreshold:   getEnvAsFloat("SCALE_UP_THRESHOLD", 0.8),
			ScaleDownThreshold: getEnvAsFloat("SCALE_DOWN_THRESHOLD", 0.2),
			ScaleCooldown:      getEnvAsDuration("SCALE_COOLDOWN", 5*time.Minute),

			ScalingInterval:             getEnvAsDuration("SCALING_INTERVAL", time.Minute),
			HealthInterval:              getEnvAsDuration("HEALTH_INTERVAL", time.Minute),
			AssignSweepInterval:         getEnvAsDuration("ASSIGN_SWEEP_INTERVAL", 15*time.Second),
			ViewerReconcileInterval:     getEnvAsDuration("VIEWER_RECONCILE_INTERVAL", time.Minute),
			SessionReconcileInterval:    getEnvAsDuration("SESSION_RECONCILE_INTERVAL", time.Minute),
			AssignmentReconcileInterval: getEnvAsDuration("ASSIGNMENT_RECONCILE_INTERVAL", 5*time.Minute),

			AssignmentIdleTimeout: getEnvAsDuration("ASSIGNMENT_IDLE_TIMEOUT", 5*time.Minute),
			SessionStaleAfter:     getEnvAsDuration("SESSION_STALE_AFTER", 3*time.Minute),
			SessionNoHeartbeatTTL: getEnvAsDuration("SESSION_NO_HEARTBEAT_TTL", 5*time.Minute),

			EdgeDeferDelay:   getEnvAsDuration("EDGE_DEFER_DELAY", time.Minute),
			EdgeMaxClients:   getEnvAsInt("EDGE_MAX_CLIENTS", 100),
			OriginMaxClients: getEnvAsInt("ORIGIN_MAX_CLIENTS", 1000),
			EdgeProfile:      getEnv("EDGE_PROFILE", "c6i.large"),
			OriginProfile:    getEnv("ORIGIN_PROFILE", "c6i.4xlarge"),
			Image:            getEnv("SERVER_IMAGE", ""),
			ServerPort:       getEnvAsInt("SERVER_PORT", 443),

			VMPollInterval: getEnvAsDuration("VM_POLL_INTERVAL", 10*time.Second),
			VMPollAttempts: getEnvAsInt("VM_POLL_ATTEMPTS", 12),
			ReadyAttempts:  getEnvAsInt("READY_ATTEMPTS", 30),
			ReadyBackoff:   getEnvAsDuration("READY_BACKOFF", 30*time.Second),
			ProbeTimeout:   getEnvAsDuration("PROBE_TIMEOUT", 5*time.Second),

			DrainTimeout:      getEnvAsDuration("DRAIN_TIMEOUT", 5*time.Minute),
			DrainPollInterval: getEnvAsDuration("DRAIN_POLL_INTERVAL", time.Minute),

			WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 8),
			LockTTL:           getEnvAsDuration("LOCK_TTL", 30*time.Second),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvAsList(key string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
