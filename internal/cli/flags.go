// Package cli implements the projectorctl subcommands used to check
// definitions and to feed or inspect the topics a projector works on.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/lsm/projector/internal/config"
	"github.com/lsm/projector/internal/kafka"
)

const defaultBrokers = "localhost:9092"

func parseStringFlag(args []string, flag string) (string, error) {
	for i, arg := range args {
		if arg == flag {
			if i+1 < len(args) {
				return args[i+1], nil
			}
			return "", fmt.Errorf("flag %s requires a value", flag)
		}
	}
	return "", nil
}

func parseIntFlag(args []string, flag string, defaultVal int) (int, error) {
	str, err := parseStringFlag(args, flag)
	if err != nil {
		return 0, err
	}
	if str == "" {
		return defaultVal, nil
	}
	var val int
	if _, err := fmt.Sscanf(str, "%d", &val); err != nil || fmt.Sprint(val) != strings.TrimSpace(str) {
		return 0, fmt.Errorf("invalid value for %s: must be an integer", flag)
	}
	if val < 1 {
		return 0, fmt.Errorf("invalid value for %s: must be >= 1", flag)
	}
	return val, nil
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}

// target is the cluster and topic a command talks to.
type target struct {
	cluster *kafka.ClusterConfig
	topic   string
}

// resolveTarget picks the cluster and topic from --config, or from --brokers
// when no definition is given. With --config, --output selects the sink side
// of the projector instead of its source. An explicit --topic always wins.
func resolveTarget(args []string) (target, error) {
	topic, err := parseStringFlag(args, "--topic")
	if err != nil {
		return target{}, err
	}
	configPath, err := parseStringFlag(args, "--config")
	if err != nil {
		return target{}, err
	}

	if configPath == "" {
		brokersStr, err := parseStringFlag(args, "--brokers")
		if err != nil {
			return target{}, err
		}
		if brokersStr == "" {
			brokersStr = defaultBrokers
		}
		var brokers []string
		for _, b := range strings.Split(brokersStr, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		if topic == "" {
			return target{}, fmt.Errorf("--topic flag is required without --config")
		}
		return target{cluster: &kafka.ClusterConfig{Brokers: brokers}, topic: topic}, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return target{}, fmt.Errorf("read config: %w", err)
	}
	def, err := config.Parse(data)
	if err != nil {
		return target{}, err
	}

	clusterName, defaultTopic := def.Source.Cluster, def.Source.Topic
	if hasFlag(args, "--output") {
		clusterName, defaultTopic = def.SinkCluster(), def.Sink.Topic
	}
	cluster := def.Clusters[clusterName]
	if topic == "" {
		topic = defaultTopic
	}
	return target{cluster: &cluster, topic: topic}, nil
}
