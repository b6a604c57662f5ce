package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OverflowPolicy selects the event buffer behavior when it is full.
type OverflowPolicy string

const (
	// OverflowBlock makes enqueue wait for space.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the head item to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

type Agent struct {
	BaseURL        string        // e.g. http://localhost:8080
	SDKKey         string        // sent as X-Optimizely-Sdk-Key
	Filter         string        // optional notification type filter, e.g. "decision,track"
	ConnectTimeout time.Duration // timeout for establishing the stream connection
	HealthTimeout  time.Duration // timeout for the /health preflight
}

type Stream struct {
	BaseDelay time.Duration // reconnect backoff base
	MaxDelay  time.Duration // reconnect backoff cap
	JitterPct float64       // backoff jitter percentage (0.0-1.0)
}

type Buffer struct {
	Capacity int            // maximum buffered notifications
	Policy   OverflowPolicy // enqueue behavior when full
	Workers  int            // processor worker pool size
}

type Retry struct {
	MaxAttempts    int           // maximum delivery attempts per task
	BaseDelay      time.Duration // retry backoff base
	MaxDelay       time.Duration // retry backoff cap
	JitterPct      float64       // backoff jitter percentage (0.0-1.0)
	AttemptTimeout time.Duration // per-attempt HTTP timeout
}

type GoogleAnalytics struct {
	MeasurementID string
	APISecret     string
	EndpointURL   string
	Events        []string // notification types this sink subscribes to
}

type Amplitude struct {
	APIKey      string
	EndpointURL string
	Events      []string // notification types this sink subscribes to
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	DLQTopic    string // dead letter topic
	PublishDLQ  bool   // whether to publish dead letters to the DLQ topic
}

type Config struct {
	AppName       string
	HTTPPort      string // diagnostics server, :8082
	Agent         Agent
	Stream        Stream
	Buffer        Buffer
	Retry         Retry
	GA            GoogleAnalytics
	Amplitude     Amplitude
	NSQ           NSQ
	ShutdownGrace time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// FromEnv builds the immutable service configuration from the environment.
// Values are read exactly once at startup; no component reads ambient
// environment state afterwards.
func FromEnv() Config {
	defaultEvents := []string{"decision", "track"}
	return Config{
		AppName:  getenv("APP_NAME", "relayd"),
		HTTPPort: getenv("HTTP_PORT", ":8082"),
		Agent: Agent{
			BaseURL:        getenv("AGENT_BASE_URL", "http://localhost:8080"),
			SDKKey:         getenv("OPTIMIZELY_SDK_KEY", ""),
			Filter:         getenv("NOTIFICATION_FILTER", ""),
			ConnectTimeout: getenvDuration("AGENT_CONNECT_TIMEOUT", 30*time.Second),
			HealthTimeout:  getenvDuration("AGENT_HEALTH_TIMEOUT", 5*time.Second),
		},
		Stream: Stream{
			BaseDelay: getenvDuration("STREAM_BACKOFF_BASE", 1*time.Second),
			MaxDelay:  getenvDuration("STREAM_BACKOFF_MAX", 30*time.Second),
			JitterPct: getenvFloat("STREAM_BACKOFF_JITTER_PCT", 0.25),
		},
		Buffer: Buffer{
			Capacity: getenvInt("BUFFER_CAPACITY", 1000),
			Policy:   OverflowPolicy(getenv("BUFFER_OVERFLOW_POLICY", string(OverflowBlock))),
			Workers:  getenvInt("BUFFER_WORKERS", 4),
		},
		Retry: Retry{
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 3),
			BaseDelay:      getenvDuration("RETRY_BACKOFF_BASE", 2*time.Second),
			MaxDelay:       getenvDuration("RETRY_BACKOFF_MAX", 60*time.Second),
			JitterPct:      getenvFloat("RETRY_BACKOFF_JITTER_PCT", 0.25),
			AttemptTimeout: getenvDuration("DELIVERY_ATTEMPT_TIMEOUT", 10*time.Second),
		},
		GA: GoogleAnalytics{
			MeasurementID: getenv("GA_MEASUREMENT_ID", ""),
			APISecret:     getenv("GA_API_SECRET", ""),
			EndpointURL:   getenv("GA_ENDPOINT_URL", "https://www.google-analytics.com/mp/collect"),
			Events:        getenvList("GA_EVENTS", defaultEvents),
		},
		Amplitude: Amplitude{
			APIKey:      getenv("AMPLITUDE_API_KEY", ""),
			EndpointURL: getenv("AMPLITUDE_TRACKING_URL", "https://api2.amplitude.com/2/httpapi"),
			Events:      getenvList("AMPLITUDE_EVENTS", defaultEvents),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			DLQTopic:    getenv("NSQ_DLQ_TOPIC", "relay_deliveries_dlq"),
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		ShutdownGrace: getenvDuration("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}
}

// IsPlaceholder reports whether a credential looks like a sample-file
// placeholder rather than a real value.
func IsPlaceholder(value string) bool {
	if value == "" {
		return true
	}
	patterns := []string{"your_", "YOUR_", "_here", "_HERE", "example", "EXAMPLE", "placeholder", "PLACEHOLDER"}
	for _, p := range patterns {
		if strings.Contains(value, p) {
			return true
		}
	}
	return false
}

// Enabled reports whether the Google Analytics sink has usable credentials.
func (g GoogleAnalytics) Enabled() bool {
	return !IsPlaceholder(g.MeasurementID) && !IsPlaceholder(g.APISecret)
}

// Enabled reports whether the Amplitude sink has usable credentials.
func (a Amplitude) Enabled() bool {
	return !IsPlaceholder(a.APIKey)
}

// StreamURL returns the notification feed endpoint, without the filter
// parameter (the listener appends it as a query value).
func (a Agent) StreamURL() string {
	return strings.TrimRight(a.BaseURL, "/") + "/v1/notifications/event-stream"
}

// HealthURL returns the agent health endpoint used for preflight checks.
func (a Agent) HealthURL() string {
	return strings.TrimRight(a.BaseURL, "/") + "/health"
}

// Validate checks startup requirements. A failure here must prevent the
// process from starting.
func (c Config) Validate() error {
	if IsPlaceholder(c.Agent.SDKKey) {
		return fmt.Errorf("OPTIMIZELY_SDK_KEY is required and cannot be a placeholder value")
	}
	if !strings.HasPrefix(c.Agent.BaseURL, "http://") && !strings.HasPrefix(c.Agent.BaseURL, "https://") {
		return fmt.Errorf("invalid AGENT_BASE_URL %q: must start with http:// or https://", c.Agent.BaseURL)
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("BUFFER_CAPACITY must be positive, got %d", c.Buffer.Capacity)
	}
	if c.Buffer.Workers <= 0 {
		return fmt.Errorf("BUFFER_WORKERS must be positive, got %d", c.Buffer.Workers)
	}
	switch c.Buffer.Policy {
	case OverflowBlock, OverflowDropOldest:
	default:
		return fmt.Errorf("unknown BUFFER_OVERFLOW_POLICY %q", c.Buffer.Policy)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.NSQ.PublishDLQ && c.NSQ.NsqdTCPAddr == "" {
		return fmt.Errorf("NSQD_TCP_ADDR is required when PUBLISH_DLQ_TOPIC is enabled")
	}
	return nil
}
