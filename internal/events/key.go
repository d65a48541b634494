// Package events implements the typed event bus: structured keys, serialized
// envelopes, a per-key handler registry and concurrent dispatch.
package events

import (
	"fmt"
	"strconv"
	"strings"
)

// Namespace tags the origin class of an event key.
type Namespace int

const (
	// NamespaceCore is for server infrastructure events.
	NamespaceCore Namespace = iota
	// NamespaceClient is for raw messages arriving from game clients.
	NamespaceClient
	// NamespacePlugin is for plugin-to-plugin events.
	NamespacePlugin
	// NamespaceGorc is for replication events addressed by object type.
	NamespaceGorc
	// NamespaceGorcInstance is for replication events addressed to a single
	// object instance.
	NamespaceGorcInstance
)

func (n Namespace) String() string {
	switch n {
	case NamespaceCore:
		return "core"
	case NamespaceClient:
		return "client"
	case NamespacePlugin:
		return "plugin"
	case NamespaceGorc:
		return "gorc"
	case NamespaceGorcInstance:
		return "gorc_instance"
	default:
		return "unknown"
	}
}

// Key is the structured event identifier used for handler registration and
// dispatch. It is a value type; two keys are equal iff all fields are equal.
type Key struct {
	Namespace Namespace

	// Category holds the client namespace, the plugin name, or the GORC
	// object type depending on Namespace. Empty for core events.
	Category string

	// Channel is the replication channel for gorc / gorc_instance keys.
	Channel uint8

	// Name is the event name.
	Name string
}

// CoreKey builds a key for a core infrastructure event.
func CoreKey(name string) Key {
	return Key{Namespace: NamespaceCore, Name: name}
}

// ClientKey builds a key for a client message event.
func ClientKey(namespace, name string) Key {
	return Key{Namespace: NamespaceClient, Category: namespace, Name: name}
}

// PluginKey builds a key for a plugin-to-plugin event.
func PluginKey(pluginName, name string) Key {
	return Key{Namespace: NamespacePlugin, Category: pluginName, Name: name}
}

// GorcKey builds a key for a replication event on an object type and channel.
func GorcKey(objectType string, channel uint8, name string) Key {
	return Key{Namespace: NamespaceGorc, Category: objectType, Channel: channel, Name: name}
}

// GorcInstanceKey builds a key for a replication event addressed to instances
// of the given object type on a channel.
func GorcInstanceKey(objectType string, channel uint8, name string) Key {
	return Key{Namespace: NamespaceGorcInstance, Category: objectType, Channel: channel, Name: name}
}

// String renders the diagnostic form tag:field:field:name. Used for logging
// and for pattern-based handler removal; dispatch compares Key values, not
// strings.
func (k Key) String() string {
	switch k.Namespace {
	case NamespaceCore:
		return "core:" + k.Name
	case NamespaceClient, NamespacePlugin:
		return k.Namespace.String() + ":" + k.Category + ":" + k.Name
	case NamespaceGorc, NamespaceGorcInstance:
		return fmt.Sprintf("%s:%s:%d:%s", k.Namespace, k.Category, k.Channel, k.Name)
	default:
		return "unknown:" + k.Name
	}
}

// ParseKey parses the string form back into a Key, for diagnostics; dispatch
// never goes through strings, and the bridge derives subjects from String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return Key{}, fmt.Errorf("malformed event key %q", s)
	}
	switch parts[0] {
	case "core":
		if len(parts) != 2 {
			return Key{}, fmt.Errorf("malformed core key %q", s)
		}
		return CoreKey(parts[1]), nil
	case "client":
		if len(parts) != 3 {
			return Key{}, fmt.Errorf("malformed client key %q", s)
		}
		return ClientKey(parts[1], parts[2]), nil
	case "plugin":
		if len(parts) != 3 {
			return Key{}, fmt.Errorf("malformed plugin key %q", s)
		}
		return PluginKey(parts[1], parts[2]), nil
	case "gorc", "gorc_instance":
		if len(parts) != 4 {
			return Key{}, fmt.Errorf("malformed %s key %q", parts[0], s)
		}
		ch, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return Key{}, fmt.Errorf("malformed channel in key %q: %w", s, err)
		}
		if parts[0] == "gorc" {
			return GorcKey(parts[1], uint8(ch), parts[3]), nil
		}
		return GorcInstanceKey(parts[1], uint8(ch), parts[3]), nil
	default:
		return Key{}, fmt.Errorf("unknown event namespace %q", parts[0])
	}
}
