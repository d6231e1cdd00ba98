// Package config loads application settings from NU_* environment
// variables. Topic-to-cluster and cluster connection maps are YAML, given
// inline or as a path to a file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrAmbiguousCluster is returned when the consume topics do not all
	// live on the same cluster.
	ErrAmbiguousCluster = errors.New("config: consume topics span multiple clusters")

	ErrMissing = errors.New("config: required variable not set")
)

// Cluster is one entry of NU_KAFKA_CLUSTERS_CONFIGS_YAML.
type Cluster struct {
	Name     string `yaml:"-"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Brokers splits the comma separated URL.
func (c Cluster) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.URL, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicConfig is one entry of NU_TOPIC_CONFIGS_YAML. The entry may also be
// given as a bare cluster name.
type TopicConfig struct {
	Cluster string `yaml:"cluster"`
}

func (t *TopicConfig) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		t.Cluster = n.Value
		return nil
	}
	type plain TopicConfig
	return n.Decode((*plain)(t))
}

type Config struct {
	AppName  string
	Hostname string

	ConsumeTopics []string
	PollTimeout   time.Duration

	RetryMax int
	// RetryTopic receives records retried fewer than RetryMax times. It is
	// the first consume topic.
	RetryTopic string
	// EscalationTopic receives records whose retries ran out, with the
	// retry count reset. Without it they go to FailureTopic.
	EscalationTopic string
	FailureTopic    string

	BatchMaxCount int
	BatchMaxTime  time.Duration

	StateDir   string
	HealthPath string
	LogLevel   string

	Cluster Cluster
}

// TransactionalID identifies this process among the members of the group.
func (c Config) TransactionalID() string {
	return c.AppName + "-" + c.Hostname
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load reads the configuration through getenv.
func Load(getenv func(string) string) (Config, error) {
	cfg := Config{
		AppName:         getenv("NU_APP_NAME"),
		Hostname:        getenv("NU_HOSTNAME"),
		ConsumeTopics:   splitList(getenv("NU_CONSUME_TOPICS")),
		EscalationTopic: firstOf(splitList(getenv("NU_PRODUCE_RETRY_TOPICS"))),
		FailureTopic:    firstOf(splitList(getenv("NU_PRODUCE_FAILURE_TOPICS"))),
		StateDir:        orDefault(getenv("NU_STATE_DIR"), "/opt/app/data"),
		HealthPath:      orDefault(getenv("NU_HEALTH_PATH"), "/opt/app/health"),
		LogLevel:        orDefault(getenv("NU_LOGLEVEL"), "INFO"),
	}

	if cfg.AppName == "" {
		return Config{}, fmt.Errorf("%w: NU_APP_NAME", ErrMissing)
	}
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("%w: NU_HOSTNAME", ErrMissing)
		}
		cfg.Hostname = h
	}
	cfg.RetryTopic = firstOf(cfg.ConsumeTopics)

	var err error
	if cfg.PollTimeout, err = seconds(getenv, "NU_CONSUMER_POLL_TIMEOUT", 5); err != nil {
		return Config{}, err
	}
	if cfg.BatchMaxTime, err = seconds(getenv, "NU_CONSUMER_DEFAULT_BATCH_CONSUME_MAX_TIME_SECONDS", 10); err != nil {
		return Config{}, err
	}
	if cfg.RetryMax, err = integer(getenv, "NU_RETRY_COUNT_MAX", 0); err != nil {
		return Config{}, err
	}
	if cfg.BatchMaxCount, err = integer(getenv, "NU_CONSUMER_DEFAULT_BATCH_CONSUME_MAX_COUNT", 1); err != nil {
		return Config{}, err
	}

	topics, err := loadYAML[map[string]TopicConfig](getenv("NU_TOPIC_CONFIGS_YAML"))
	if err != nil {
		return Config{}, fmt.Errorf("NU_TOPIC_CONFIGS_YAML: %w", err)
	}
	clusters, err := loadYAML[map[string]Cluster](getenv("NU_KAFKA_CLUSTERS_CONFIGS_YAML"))
	if err != nil {
		return Config{}, fmt.Errorf("NU_KAFKA_CLUSTERS_CONFIGS_YAML: %w", err)
	}
	if cfg.Cluster, err = ResolveCluster(cfg.ConsumeTopics, topics, clusters); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolveCluster returns the one cluster all topics live on.
func ResolveCluster(topics []string, topicConfigs map[string]TopicConfig, clusters map[string]Cluster) (Cluster, error) {
	if len(topics) == 0 {
		return Cluster{}, fmt.Errorf("%w: NU_CONSUME_TOPICS", ErrMissing)
	}

	name := ""
	for _, topic := range topics {
		tc, ok := topicConfigs[topic]
		if !ok || tc.Cluster == "" {
			return Cluster{}, fmt.Errorf("config: no cluster configured for topic %q", topic)
		}
		if name != "" && tc.Cluster != name {
			return Cluster{}, fmt.Errorf("%w: %q on %s, %q on %s", ErrAmbiguousCluster, topics[0], name, topic, tc.Cluster)
		}
		name = tc.Cluster
	}

	c, ok := clusters[name]
	if !ok {
		return Cluster{}, fmt.Errorf("config: cluster %q is not configured", name)
	}
	c.Name = name
	if len(c.Brokers()) == 0 {
		return Cluster{}, fmt.Errorf("config: cluster %q has no url", name)
	}
	return c, nil
}

// loadYAML parses v as YAML, or the file it names if it is a readable path.
func loadYAML[T any](v string) (T, error) {
	var out T
	if strings.TrimSpace(v) == "" {
		return out, nil
	}
	data := []byte(v)
	if !strings.ContainsAny(v, "{:\n") {
		b, err := os.ReadFile(v)
		if err != nil {
			return out, err
		}
		data = b
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstOf(l []string) string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func seconds(getenv func(string) string, key string, def float64) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return time.Duration(def * float64(time.Second)), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func integer(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
