package ansible

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// ContainerInfo defines the structure for a single item in the 'containers' list.
type ContainerInfo struct {
	Command    string            `json:"Command"`
	CreatedAt  string            `json:"CreatedAt"`
	ID         string            `json:"ID"`
	Image      string            `json:"Image"`
	Name       string            `json:"Name"`
	Ports      string            `json:"Ports"`
	State      string            `json:"State"`
	Status     string            `json:"Status"`
	Labels     map[string]string `json:"Labels"`
	Networks   []string          `json:"Networks"`
	Publishers []PublisherInfo   `json:"Publishers"`
}

// PublisherInfo is for the array inside the ContainerInfo
type PublisherInfo struct {
	Protocol      string `json:"Protocol"`
	PublishedPort int    `json:"PublishedPort"`
	TargetPort    int    `json:"TargetPort"`
	URL           string `json:"URL"`
}

// Minimal structs to navigate the JSON path to the task results.
// json.RawMessage captures the raw JSON for the nested fields.
type TaskHosts struct {
	Action     json.RawMessage `json:"action"`
	Containers json.RawMessage `json:"containers"`
}

type TaskResult struct {
	Hosts map[string]TaskHosts `json:"hosts"` // Key is the IP address
}

type PlayTasks struct {
	Tasks []TaskResult `json:"tasks"`
}

type RawRoot struct {
	Plays []PlayTasks `json:"plays"`
}

// ExtractContainerInfo reads JSON callback data from a reader and extracts the
// container details reported by docker compose tasks, bypassing incomplete
// external library structs.
func ExtractContainerInfo(r io.Reader) ([]ContainerInfo, error) {
	jsonBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read from reader: %w", err)
	}
	var rawRoot RawRoot
	if err := json.Unmarshal(jsonBytes, &rawRoot); err != nil {
		zap.S().Debugf("Failed to unmarshal JSON into RawRoot: %s", jsonBytes)
		return nil, fmt.Errorf("failed to unmarshal JSON into raw root structure: %w", err)
	}

	var allContainers []ContainerInfo

	if len(rawRoot.Plays) == 0 {
		return nil, fmt.Errorf("JSON structure missing 'plays' array")
	}
	if len(rawRoot.Plays[0].Tasks) == 0 {
		return nil, fmt.Errorf("JSON structure missing tasks in the first play")
	}

	for _, taskResult := range rawRoot.Plays[0].Tasks {
		for _, hostResult := range taskResult.Hosts {
			var action string
			if err := json.Unmarshal(hostResult.Action, &action); err != nil {
				return nil, fmt.Errorf("failed to unmarshal task action: %w", err)
			}
			if action != "community.docker.docker_compose_v2" {
				zap.S().Debugf("Skipping action %s for host, not matching expected docker_compose_v2", action)
				continue
			}
			var containersForHost []ContainerInfo
			if len(hostResult.Containers) > 0 {
				if err := json.Unmarshal(hostResult.Containers, &containersForHost); err != nil {
					return nil, fmt.Errorf("failed to unmarshal container details for a host: %w", err)
				}
				allContainers = append(allContainers, containersForHost...)
			}
		}
	}

	return allContainers, nil
}

// DescribeEndpoints summarizes where the started containers are reachable,
// for logging after a deploy. Traefik router labels win over raw published
// ports.
func DescribeEndpoints(containerInfos []ContainerInfo, host string) string {
	for _, ci := range containerInfos {
		for labelKey, labelValue := range ci.Labels {
			if strings.HasPrefix(labelKey, "traefik.http.routers.") {
				parts := strings.Split(labelValue, "`")
				if len(parts) >= 2 {
					return "https://" + parts[1] + "/"
				}
			}
		}
		var ports []string
		for _, pub := range ci.Publishers {
			if pub.PublishedPort == 0 {
				continue
			}
			// Skip IPv6 bindings, the IPv4 ones repeat the same ports.
			if strings.Contains(pub.URL, ":") {
				continue
			}
			ports = append(ports, fmt.Sprintf("%s://%s:%d", pub.Protocol, host, pub.PublishedPort))
		}
		if len(ports) > 0 {
			return strings.Join(ports, "\n")
		}
	}
	return ""
}
