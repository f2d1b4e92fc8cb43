package gcp

import (
	"encoding/json"
	"fmt"
	"sort"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
)

// spec is the validated shape of a gcp_instance attribute map.
type spec struct {
	name           string
	machineType    string
	image          string
	diskSizeGB     int64
	network        string
	subnet         string
	publicIP       bool
	serviceAccount string
	labels         map[string]string
}

func instanceSpec(attrs map[string]any) (spec, error) {
	s := spec{
		name:           attrString(attrs, "name"),
		machineType:    attrString(attrs, "machine_type"),
		image:          attrString(attrs, "image"),
		diskSizeGB:     int64(attrFloat(attrs, "disk_size_gb")),
		network:        attrString(attrs, "network"),
		subnet:         attrString(attrs, "subnet"),
		publicIP:       attrBool(attrs, "public_ip", true),
		serviceAccount: attrString(attrs, "service_account"),
		labels:         attrLabels(attrs),
	}

	if s.name == "" {
		return spec{}, fmt.Errorf("gcp_instance requires a name attribute")
	}
	if s.image == "" {
		return spec{}, fmt.Errorf("gcp_instance %s requires an image attribute", s.name)
	}
	if s.machineType == "" {
		s.machineType = "e2-medium"
	}
	if s.diskSizeGB == 0 {
		s.diskSizeGB = 50
	}
	if s.network == "" {
		s.network = "default"
	}
	return s, nil
}

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

func attrBool(attrs map[string]any, key string, def bool) bool {
	v, ok := attrs[key].(bool)
	if !ok {
		return def
	}
	return v
}

func attrLabels(attrs map[string]any) map[string]string {
	entries, ok := attrs["labels"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(entries))
	for k, v := range entries {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func instanceOutputs(instance *computepb.Instance) map[string]any {
	outputs := map[string]any{
		"id":        instance.GetName(),
		"name":      instance.GetName(),
		"status":    instance.GetStatus(),
		"self_link": instance.GetSelfLink(),
	}

	if len(instance.GetNetworkInterfaces()) > 0 {
		nic := instance.GetNetworkInterfaces()[0]
		outputs["internal_ip"] = nic.GetNetworkIP()
		if len(nic.GetAccessConfigs()) > 0 {
			outputs["external_ip"] = nic.GetAccessConfigs()[0].GetNatIP()
		}
	}

	if labels := instance.GetLabels(); len(labels) > 0 {
		out := make(map[string]any, len(labels))
		for k, v := range labels {
			out[k] = v
		}
		outputs["labels"] = out
	}
	return outputs
}

// changedKeys returns the attribute keys whose values differ between
// old and new, compared by canonical JSON encoding.  Sorted for
// deterministic diffs.
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
