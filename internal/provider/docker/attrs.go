package docker

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/volume"
)

// Attribute maps arrive as resolved declaration values: strings,
// numbers (float64 after normalization, int straight from YAML),
// []any, and map[string]any.  The helpers below coerce them leniently;
// a missing or mistyped attribute yields the zero value and the daemon
// rejects genuinely invalid requests.

func attrString(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func attrFloat(attrs map[string]any, key string) float64 {
	switch v := attrs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func attrStringSlice(attrs map[string]any, key string) []string {
	items, ok := attrs[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}

func attrStringMap(attrs map[string]any, key string) map[string]string {
	entries, ok := attrs[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(entries))
	for k, v := range entries {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// envList flattens the "env" attribute map into Docker's KEY=VALUE
// form, sorted for stable container configs.
func envList(attrs map[string]any) []string {
	env := attrStringMap(attrs, "env")
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// resources maps the cpus / memory_mb attributes to daemon limits.
func resources(attrs map[string]any) container.Resources {
	var r container.Resources
	if cpus := attrFloat(attrs, "cpus"); cpus > 0 {
		r.NanoCPUs = int64(cpus * 1e9)
	}
	if mem := attrFloat(attrs, "memory_mb"); mem > 0 {
		r.Memory = int64(mem) * 1024 * 1024
	}
	return r
}

func volumeOutputs(vol volume.Volume) map[string]any {
	return map[string]any{
		"id":         vol.Name,
		"name":       vol.Name,
		"driver":     vol.Driver,
		"mountpoint": vol.Mountpoint,
	}
}

// changedKeys returns the attribute keys whose values differ between
// old and new, compared by canonical JSON encoding so YAML ints and
// state-file floats compare equal.  Sorted for deterministic diffs.
func changedKeys(old, new map[string]any) []string {
	var keys []string
	for k, nv := range new {
		ov, ok := old[k]
		if ok && jsonEqual(ov, nv) {
			continue
		}
		keys = append(keys, k)
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func jsonEqual(a, b any) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}
