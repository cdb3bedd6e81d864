package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	Debug   bool
	Port    string

	// Logging
	LogLevel string
	LogJSON  bool

	// Database (the shared coordination store for all center nodes)
	DatabaseType string
	DatabaseURL  string

	// Node identity
	NodeDisplayName string
	RootFilePath    string // Directory owned by this node: .node-id, cache/, data-plane storage
	InternalPort    int    // Port peers use to reach this center on the private network

	// Routing
	PodRoutingEnabled bool
	ClusterDomain     string // Ingress domain, e.g. cluster.example.com
	DataPlaneURL      string // Local data-plane base URL, e.g. http://127.0.0.1:3000

	// Heartbeat
	HeartbeatIntervalSeconds int

	// Tiered storage
	PrimaryBucket string
	Region        string            // This node's region tag, e.g. "eu"
	RegionBuckets map[string]string // regionTag -> bucketName, e.g. "eu=xpod-eu,us=xpod-us"
	CacheDir      string            // Defaults to {RootFilePath}/cache
	CacheMaxBytes int64

	// S3 connection (custom endpoint supports MinIO-compatible stores).
	// Static keys override the SDK's default credential chain.
	S3Endpoint       string
	S3Region         string
	S3ForcePathStyle bool
	S3AccessKey      string
	S3SecretKey      string

	// InfluxDB (optional time-series event storage)
	InfluxDBURL    string
	InfluxDBToken  string
	InfluxDBOrg    string
	InfluxDBBucket string

	// Supervised sibling processes (empty command = not managed)
	DataPlaneCommand string
	GatewayCommand   string
}

var AppConfig *Config

// Load loads configuration from environment
func Load() *Config {
	// Load .env file if exists; XPOD_ENV_PATH overrides the location
	if envPath := os.Getenv("XPOD_ENV_PATH"); envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	config := &Config{
		AppName:  getEnv("APP_NAME", "xpod-fabric"),
		Debug:    getEnvBool("DEBUG", false),
		Port:     getEnv("PORT", "3000"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		DatabaseType: getEnv("DATABASE_TYPE", "postgres"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		NodeDisplayName: getEnv("NODE_DISPLAY_NAME", ""),
		RootFilePath:    getEnv("ROOT_FILE_PATH", "./data"),
		InternalPort:    getEnvInt("INTERNAL_PORT", 3000),

		PodRoutingEnabled: getEnvBool("POD_ROUTING_ENABLED", true),
		ClusterDomain:     getEnv("CLUSTER_DOMAIN", ""),
		DataPlaneURL:      getEnv("DATA_PLANE_URL", "http://127.0.0.1:3001"),

		HeartbeatIntervalSeconds: getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30),

		PrimaryBucket: getEnv("PRIMARY_BUCKET", ""),
		Region:        getEnv("REGION", ""),
		RegionBuckets: parseRegionBuckets(getEnv("REGION_BUCKETS", "")),
		CacheDir:      getEnv("CACHE_DIR", ""),
		CacheMaxBytes: getEnvInt64("CACHE_MAX_BYTES", 1024*1024*1024),

		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3Region:         getEnv("S3_REGION", "us-east-1"),
		S3ForcePathStyle: getEnvBool("S3_FORCE_PATH_STYLE", false),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("S3_SECRET_KEY", ""),

		InfluxDBURL:    getEnv("INFLUXDB_URL", ""),
		InfluxDBToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxDBOrg:    getEnv("INFLUXDB_ORG", "xpod"),
		InfluxDBBucket: getEnv("INFLUXDB_BUCKET", "events"),

		DataPlaneCommand: getEnv("DATA_PLANE_COMMAND", ""),
		GatewayCommand:   getEnv("GATEWAY_COMMAND", ""),
	}

	if config.CacheDir == "" {
		config.CacheDir = config.RootFilePath + "/cache"
	}

	AppConfig = config
	return config
}

// parseRegionBuckets parses "eu=xpod-eu,us=xpod-us" into a map
func parseRegionBuckets(raw string) map[string]string {
	buckets := make(map[string]string)
	if raw == "" {
		return buckets
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Printf("Skipping malformed region bucket entry: %q", pair)
			continue
		}
		buckets[parts[0]] = parts[1]
	}
	return buckets
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Invalid boolean for %s, using default: %v", key, defaultValue)
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Invalid integer for %s, using default: %d", key, defaultValue)
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.Printf("Invalid integer for %s, using default: %d", key, defaultValue)
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}
