package bus

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Queues is the queue layout: one workflow queue, plugin queues split by
// weight, and a fixed set of state shards.
type Queues struct {
	Scan        string
	Plugin      string
	PluginHeavy string
	PluginLight string
	StatePrefix string
	StateShards int
}

// QueuesFromConfig resolves the layout from the queues.* configuration tree.
func QueuesFromConfig() Queues {
	q := Queues{
		Scan:        viper.GetString("queues.scan"),
		Plugin:      viper.GetString("queues.plugin"),
		PluginHeavy: viper.GetString("queues.plugin_heavy"),
		PluginLight: viper.GetString("queues.plugin_light"),
		StatePrefix: viper.GetString("queues.state_prefix"),
		StateShards: viper.GetInt("queues.state_shards"),
	}
	if q.StateShards < 1 {
		q.StateShards = 1
	}
	return q
}

// PluginQueue routes a session by its plugin weight. Weight-specific queues
// are optional; the shared plugin queue is the fallback.
func (q Queues) PluginQueue(weight string) string {
	switch weight {
	case "heavy":
		if q.PluginHeavy != "" {
			return q.PluginHeavy
		}
	case "light":
		if q.PluginLight != "" {
			return q.PluginLight
		}
	}
	return q.Plugin
}

// StateQueue maps a scan to its state shard. Every state op of one scan goes
// through the same shard, which serializes its mutations.
func (q Queues) StateQueue(scanID uuid.UUID) string {
	h := fnv.New32a()
	h.Write([]byte(scanID.String()))
	return fmt.Sprintf("%s:%d", q.StatePrefix, h.Sum32()%uint32(q.StateShards))
}

// StateQueues lists every state shard queue.
func (q Queues) StateQueues() []string {
	out := make([]string, 0, q.StateShards)
	for i := 0; i < q.StateShards; i++ {
		out = append(out, fmt.Sprintf("%s:%d", q.StatePrefix, i))
	}
	return out
}

// All lists every queue this deployment consumes, for depth metrics and the
// default worker set.
func (q Queues) All() []string {
	out := []string{q.Scan, q.Plugin}
	if q.PluginHeavy != "" {
		out = append(out, q.PluginHeavy)
	}
	if q.PluginLight != "" {
		out = append(out, q.PluginLight)
	}
	return append(out, q.StateQueues()...)
}
