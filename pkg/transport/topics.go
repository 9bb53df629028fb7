// pkg/transport/topics.go
package transport

import (
	"fmt"
	"strings"
)

// Topic layout is a wire contract shared with device firmware:
//
//	tenant/{tenantId}/device/{deviceId}/commands      platform -> device, not retained
//	tenant/{tenantId}/device/{deviceId}/commands/ack  device -> platform
//	tenant/{tenantId}/device/{deviceId}/twin/desired  platform -> device, retained

// CommandTopic is where the platform publishes commands for one device.
func CommandTopic(tenantID, deviceID string) string {
	return fmt.Sprintf("tenant/%s/device/%s/commands", tenantID, deviceID)
}

// AckTopic is where a device publishes command acknowledgements.
func AckTopic(tenantID, deviceID string) string {
	return fmt.Sprintf("tenant/%s/device/%s/commands/ack", tenantID, deviceID)
}

// DesiredTopic carries the retained desired-state document for one device.
func DesiredTopic(tenantID, deviceID string) string {
	return fmt.Sprintf("tenant/%s/device/%s/twin/desired", tenantID, deviceID)
}

// AckTopicFilter matches every device's ack topic across all tenants.
const AckTopicFilter = "tenant/+/device/+/commands/ack"

// ParseAckTopic extracts the tenant and device IDs from a concrete ack
// topic. Returns an error for anything that does not match the layout.
func ParseAckTopic(topic string) (tenantID, deviceID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 6 || parts[0] != "tenant" || parts[2] != "device" ||
		parts[4] != "commands" || parts[5] != "ack" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("not an ack topic: %q", topic)
	}
	return parts[1], parts[3], nil
}
