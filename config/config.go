package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL string `yaml:"database_url"`

	// Server
	ServerPort    string `yaml:"server_port"`
	PublicBaseURL string `yaml:"public_base_url"` // Externally reachable base of webhook URLs

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// AWS
	AWSRegion  string `yaml:"aws_region"`
	S3Endpoint string `yaml:"s3_endpoint"` // Optional, for S3-compatible stores

	// Queues
	TaskQueueURL      string `yaml:"task_queue_url"`
	ResizeQueueURL    string `yaml:"resize_queue_url"`
	ThumbnailQueueURL string `yaml:"thumbnail_queue_url"`
	ArchiveQueueURL   string `yaml:"archive_queue_url"`

	// Buckets
	UploadBucket string `yaml:"upload_bucket"`
	MaxResBucket string `yaml:"maxres_bucket"`

	// Poll loop
	PollWaitTime          time.Duration `yaml:"poll_wait_time"`
	PollVisibilityTimeout time.Duration `yaml:"poll_visibility_timeout"`
	PollMaxMessages       int           `yaml:"poll_max_messages"`
	PollErrorBackoff      time.Duration `yaml:"poll_error_backoff"`

	// Worker
	WorkerRole    string        `yaml:"worker_role"` // tasks, resize, thumbnail or archive
	RunTaskPoller bool          `yaml:"run_task_poller"`
	ResizeRequeue time.Duration `yaml:"resize_requeue_after"`

	// GPU instances
	GPUInstanceTypes   []string `yaml:"gpu_instance_types"`
	GPUAMIID           string   `yaml:"gpu_ami_id"`
	GPUInstanceProfile string   `yaml:"gpu_instance_profile"`
	GPUSubnetID        string   `yaml:"gpu_subnet_id"`
	GPUSecurityGroupID string   `yaml:"gpu_security_group_id"`
	GPUKeyName         string   `yaml:"gpu_key_name"`
	GPUSpot            bool     `yaml:"gpu_spot"`
	GPUSpotMaxPrice    string   `yaml:"gpu_spot_max_price"`

	// Trainer
	TrainerImage string `yaml:"trainer_image"`
	TrainerPort  int    `yaml:"trainer_port"`
	TrainerToken string `yaml:"trainer_token"`

	// Notifications
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`

	// Stall monitor
	RunMonitor      bool          `yaml:"run_monitor"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	StallPeriod     time.Duration `yaml:"stall_period"`
}

func defaults() *Config {
	return &Config{
		DatabaseURL:           "postgres://localhost/lora_orchestrator?sslmode=disable",
		ServerPort:            "8080",
		PublicBaseURL:         "http://localhost:8080",
		LogLevel:              "info",
		LogFormat:             "json",
		AWSRegion:             "us-east-1",
		PollWaitTime:          20 * time.Second,
		PollVisibilityTimeout: 60 * time.Second,
		PollMaxMessages:       1,
		PollErrorBackoff:      5 * time.Second,
		WorkerRole:            "tasks",
		ResizeRequeue:         5 * time.Minute,
		GPUInstanceTypes:      []string{"g5.xlarge", "g5.2xlarge", "g6.xlarge"},
		TrainerPort:           7860,
		RedisChannel:          "training-events",
		RunMonitor:            true,
		MonitorInterval:       time.Minute,
		StallPeriod:           15 * time.Minute,
	}
}

// Load loads configuration from defaults, the YAML file named by CONFIG_FILE
// and environment variables, in that order of increasing precedence
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)

	cfg.TaskQueueURL = getEnv("TASK_QUEUE_URL", cfg.TaskQueueURL)
	cfg.ResizeQueueURL = getEnv("RESIZE_QUEUE_URL", cfg.ResizeQueueURL)
	cfg.ThumbnailQueueURL = getEnv("THUMBNAIL_QUEUE_URL", cfg.ThumbnailQueueURL)
	cfg.ArchiveQueueURL = getEnv("ARCHIVE_QUEUE_URL", cfg.ArchiveQueueURL)
	cfg.UploadBucket = getEnv("UPLOAD_BUCKET", cfg.UploadBucket)
	cfg.MaxResBucket = getEnv("MAXRES_BUCKET", cfg.MaxResBucket)

	cfg.WorkerRole = getEnv("WORKER_ROLE", cfg.WorkerRole)
	cfg.GPUInstanceTypes = getEnvList("GPU_INSTANCE_TYPES", cfg.GPUInstanceTypes)
	cfg.GPUAMIID = getEnv("GPU_AMI_ID", cfg.GPUAMIID)
	cfg.GPUInstanceProfile = getEnv("GPU_INSTANCE_PROFILE", cfg.GPUInstanceProfile)
	cfg.GPUSubnetID = getEnv("GPU_SUBNET_ID", cfg.GPUSubnetID)
	cfg.GPUSecurityGroupID = getEnv("GPU_SECURITY_GROUP_ID", cfg.GPUSecurityGroupID)
	cfg.GPUKeyName = getEnv("GPU_KEY_NAME", cfg.GPUKeyName)
	cfg.GPUSpotMaxPrice = getEnv("GPU_SPOT_MAX_PRICE", cfg.GPUSpotMaxPrice)
	cfg.TrainerImage = getEnv("TRAINER_IMAGE", cfg.TrainerImage)
	cfg.TrainerToken = getEnv("TRAINER_TOKEN", cfg.TrainerToken)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = getEnv("REDIS_CHANNEL", cfg.RedisChannel)

	var err error
	if cfg.PollWaitTime, err = getEnvDuration("POLL_WAIT_TIME", cfg.PollWaitTime); err != nil {
		return nil, err
	}
	if cfg.PollVisibilityTimeout, err = getEnvDuration("POLL_VISIBILITY_TIMEOUT", cfg.PollVisibilityTimeout); err != nil {
		return nil, err
	}
	if cfg.PollErrorBackoff, err = getEnvDuration("POLL_ERROR_BACKOFF", cfg.PollErrorBackoff); err != nil {
		return nil, err
	}
	if cfg.ResizeRequeue, err = getEnvDuration("RESIZE_REQUEUE_AFTER", cfg.ResizeRequeue); err != nil {
		return nil, err
	}
	if cfg.MonitorInterval, err = getEnvDuration("MONITOR_INTERVAL", cfg.MonitorInterval); err != nil {
		return nil, err
	}
	if cfg.StallPeriod, err = getEnvDuration("STALL_PERIOD", cfg.StallPeriod); err != nil {
		return nil, err
	}
	if cfg.PollMaxMessages, err = getEnvInt("POLL_MAX_MESSAGES", cfg.PollMaxMessages); err != nil {
		return nil, err
	}
	if cfg.TrainerPort, err = getEnvInt("TRAINER_PORT", cfg.TrainerPort); err != nil {
		return nil, err
	}
	if cfg.GPUSpot, err = getEnvBool("GPU_SPOT", cfg.GPUSpot); err != nil {
		return nil, err
	}
	if cfg.RunTaskPoller, err = getEnvBool("RUN_TASK_POLLER", cfg.RunTaskPoller); err != nil {
		return nil, err
	}
	if cfg.RunMonitor, err = getEnvBool("RUN_MONITOR", cfg.RunMonitor); err != nil {
		return nil, err
	}

	if cfg.PollMaxMessages < 1 || cfg.PollMaxMessages > 10 {
		return nil, fmt.Errorf("POLL_MAX_MESSAGES must be between 1 and 10, got %d", cfg.PollMaxMessages)
	}
	if cfg.PollWaitTime > 20*time.Second {
		return nil, fmt.Errorf("POLL_WAIT_TIME must be at most 20s, got %s", cfg.PollWaitTime)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
