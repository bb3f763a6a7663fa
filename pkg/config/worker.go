package config

import "time"

// ProvisionerConfig selects and configures the isolated build unit backend.
type ProvisionerConfig struct {
	Kind string

	AWSRegion          string
	AWSEndpoint        string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	ECSCluster         string
	ECSTaskDefinition  string
	ECSContainerName   string
	ECSSubnets         []string
	ECSSecurityGroups  []string
	ECSAssignPublicIP  bool

	DockerHost    string
	BuilderImage  string
	DockerNetwork string
	BuilderEnv    []string
}

// ArtifactConfig points at the object store the build units upload into.
type ArtifactConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// WorkerConfig holds runtime configuration for the deployment worker.
type WorkerConfig struct {
	Environment       string
	LogLevel          string
	DatabaseURL       string
	MetricsAddr       string
	Redis             RedisConfig
	Queue             QueueConfig
	Concurrency       int
	PollInterval      time.Duration
	MaxWait           time.Duration
	MaxBackoff        time.Duration
	MaxLookupFailures int
	LogHistoryLimit   int
	ShutdownTimeout   time.Duration
	Provisioner       ProvisionerConfig
	Artifacts         ArtifactConfig
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:       GetString("APP_ENV", "development"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		DatabaseURL:       GetString("DATABASE_URL", "postgres://devport:devport@db:5432/devport?sslmode=disable"),
		MetricsAddr:       GetString("WORKER_METRICS_ADDR", ":9100"),
		Redis:             loadRedisConfig(),
		Queue:             loadQueueConfig(),
		Concurrency:       GetInt("WORKER_CONCURRENCY", 3),
		PollInterval:      GetDuration("TASK_POLL_INTERVAL", 5*time.Second),
		MaxWait:           GetDuration("TASK_MAX_WAIT", 45*time.Minute),
		MaxBackoff:        GetDuration("TASK_MAX_BACKOFF", time.Minute),
		MaxLookupFailures: GetInt("TASK_MAX_LOOKUP_FAILURES", 10),
		LogHistoryLimit:   GetInt("LOG_HISTORY_LIMIT", 1000),
		ShutdownTimeout:   GetDuration("WORKER_SHUTDOWN_TIMEOUT", 10*time.Second),
		Provisioner: ProvisionerConfig{
			Kind:               GetString("PROVISIONER", "docker"),
			AWSRegion:          GetString("AWS_REGION", "ap-south-1"),
			AWSEndpoint:        GetString("AWS_ENDPOINT", ""),
			AWSAccessKeyID:     GetString("AWS_ACCESS_KEY_ID", ""),
			AWSSecretAccessKey: GetString("AWS_SECRET_ACCESS_KEY", ""),
			ECSCluster:         GetString("ECS_CLUSTER", ""),
			ECSTaskDefinition:  GetString("ECS_TASK_DEFINITION", ""),
			ECSContainerName:   GetString("ECS_CONTAINER_NAME", "builder-image"),
			ECSSubnets:         GetList("ECS_SUBNETS"),
			ECSSecurityGroups:  GetList("ECS_SECURITY_GROUPS"),
			ECSAssignPublicIP:  GetBool("ECS_ASSIGN_PUBLIC_IP", true),
			DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
			BuilderImage:       GetString("BUILDER_IMAGE", "devport/builder:latest"),
			DockerNetwork:      GetString("DOCKER_NETWORK", ""),
			BuilderEnv:         GetList("BUILDER_ENV"),
		},
		Artifacts: ArtifactConfig{
			Bucket:          GetString("ARTIFACT_BUCKET", ""),
			Endpoint:        GetString("ARTIFACT_ENDPOINT", ""),
			Region:          GetString("AWS_REGION", "ap-south-1"),
			AccessKeyID:     GetString("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: GetString("AWS_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    GetBool("ARTIFACT_PATH_STYLE", false),
		},
	}
}
