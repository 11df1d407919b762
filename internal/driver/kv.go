package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// KVDriver is a process-local key/value scratch space for packets: kv.put,
// kv.get, kv.delete, and an atomic kv.increment. Values are stored as
// strings; objects round-trip through JSON, and get re-parses values that
// look like JSON.
type KVDriver struct {
	mu   sync.Mutex
	data map[string]string
}

func NewKVDriver() *KVDriver {
	return &KVDriver{data: make(map[string]string)}
}

func (d *KVDriver) Name() string { return "kv" }

func (d *KVDriver) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	key := stringArg(args, "key")
	if key == "" {
		return nil, fmt.Errorf("kv.%s requires a key", method)
	}
	switch method {
	case "put":
		return d.put(key, args["value"])
	case "get":
		return d.get(key, args)
	case "delete":
		d.mu.Lock()
		delete(d.data, key)
		d.mu.Unlock()
		return map[string]any{"ok": true, "key": key, "deleted": true}, nil
	case "increment":
		return d.increment(key, intArg(args, "by", 1))
	}
	return nil, unknownMethod("kv", method)
}

func (d *KVDriver) put(key string, value any) (map[string]any, error) {
	var encoded string
	switch v := value.(type) {
	case nil:
		encoded = ""
	case string:
		encoded = v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode value for %q: %w", key, err)
		}
		encoded = string(b)
	default:
		encoded = fmt.Sprintf("%v", v)
	}
	d.mu.Lock()
	d.data[key] = encoded
	d.mu.Unlock()
	return map[string]any{"ok": true, "key": key}, nil
}

func (d *KVDriver) get(key string, args map[string]any) (map[string]any, error) {
	d.mu.Lock()
	stored, ok := d.data[key]
	d.mu.Unlock()
	if !ok {
		if fallback, has := args["default"]; has {
			return map[string]any{"value": fallback, "key": key, "default": true}, nil
		}
		return nil, fmt.Errorf("key not found: %s", key)
	}
	var value any = stored
	trimmed := strings.TrimSpace(stored)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			value = parsed
		}
	}
	return map[string]any{"value": value, "key": key}, nil
}

// increment is atomic under the driver mutex; parallel branches bumping
// the same counter never lose updates.
func (d *KVDriver) increment(key string, by int) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := 0
	if stored, ok := d.data[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(stored)); err == nil {
			current = n
		}
	}
	next := current + by
	d.data[key] = strconv.Itoa(next)
	return map[string]any{"ok": true, "key": key, "value": next, "previous": current}, nil
}
