package config

import "time"

// WorkerConfig holds runtime configuration for a worker agent.
type WorkerConfig struct {
	Environment      string
	OrchestratorURL  string
	Addr             string
	IP               string
	Name             string
	StatePath        string
	HookCommand      string
	HookTimeout      time.Duration
	RuntimeKind      string
	DockerHost       string
	HeartbeatEvery   time.Duration
	SignatureMaxSkew time.Duration
	RequestTimeout   time.Duration
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:      GetString("NANOSCALE_ENV", "development"),
		OrchestratorURL:  GetString("NANOSCALE_ORCHESTRATOR_URL", "http://127.0.0.1:4000"),
		Addr:             GetString("NANOSCALE_WORKER_BIND", "0.0.0.0:4000"),
		IP:               GetString("NANOSCALE_WORKER_IP", "127.0.0.1"),
		Name:             GetString("NANOSCALE_WORKER_NAME", "worker-node"),
		StatePath:        GetString("NANOSCALE_WORKER_STATE_PATH", "/opt/nanoscale/data/worker.json"),
		HookCommand:      GetString("NANOSCALE_WORKER_HOOK", "/opt/nanoscale/bin/nanoscale-hook"),
		HookTimeout:      GetSeconds("NANOSCALE_WORKER_HOOK_TIMEOUT_SECONDS", 1800),
		RuntimeKind:      GetString("NANOSCALE_WORKER_RUNTIME", "hook"),
		DockerHost:       GetString("NANOSCALE_DOCKER_HOST", ""),
		HeartbeatEvery:   GetSeconds("NANOSCALE_WORKER_HEARTBEAT_SECONDS", 30),
		SignatureMaxSkew: GetSeconds("NANOSCALE_SIGNATURE_MAX_SKEW_SECONDS", 30),
		RequestTimeout:   GetSeconds("NANOSCALE_WORKER_REQUEST_TIMEOUT_SECONDS", 15),
	}
}
