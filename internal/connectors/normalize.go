package connectors

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/opsbrain/internal/domain"
)

var (
	idKeys       = []string{"id", "deviceId", "device_id"}
	labelKeys    = []string{"label", "name", "displayName", "display_name"}
	batteryKeys  = []string{"battery", "batteryPct", "battery_pct", "batteryLevel", "battery_level"}
	lastSeenKeys = []string{"lastSeenAt", "last_seen_at", "lastSeen", "lastActivity"}
)

// ParseDevices разбирает сырой ответ. Допускается массив устройств или объект с полем devices.
// Нарушение схемы — жесткий BAD_RESPONSE, а не пустой успешный результат.
func ParseDevices(body []byte) ([]map[string]any, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, badResponse("malformed payload: %v", err)
	}

	var list []any
	switch v := payload.(type) {
	case []any:
		list = v
	case map[string]any:
		raw, ok := v["devices"]
		if !ok {
			return nil, badResponse("payload has no devices field")
		}
		arr, ok := raw.([]any)
		if !ok {
			return nil, badResponse("devices must be an array, got %T", raw)
		}
		list = arr
	default:
		return nil, badResponse("unexpected payload type %T", payload)
	}

	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, badResponse("device at index %d is %T, not an object", i, item)
		}
		out = append(out, m)
	}
	return out, nil
}

// NormalizeDevices нормализует все устройства; устройство без id — нарушение схемы.
func NormalizeDevices(items []map[string]any, now time.Time, staleAfter time.Duration) ([]domain.Device, error) {
	devices := make([]domain.Device, 0, len(items))
	for i, raw := range items {
		d := NormalizeDevice(raw, now, staleAfter)
		if d.ID == "" {
			return nil, badResponse("device at index %d has no id", i)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// NormalizeDevice приводит разнородный payload к {id, label, online, batteryPct, attributes}.
// Устройство, не выходившее на связь дольше staleAfter, принудительно offline, stale=true в attributes.
func NormalizeDevice(raw map[string]any, now time.Time, staleAfter time.Duration) domain.Device {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	consumed := make(map[string]struct{})
	pick := func(keys []string) (any, bool) {
		for _, k := range keys {
			if v, ok := raw[k]; ok && v != nil {
				consumed[k] = struct{}{}
				return v, true
			}
		}
		return nil, false
	}

	d := domain.Device{Attributes: make(map[string]any)}

	if v, ok := pick(idKeys); ok {
		d.ID = asString(v)
	}
	d.Label = d.ID
	if v, ok := pick(labelKeys); ok {
		if s := asString(v); s != "" {
			d.Label = s
		}
	}
	if v, ok := pick(batteryKeys); ok {
		d.BatteryPct = asBattery(v)
	}
	d.Online = resolveOnline(raw, consumed)

	if v, ok := pick(lastSeenKeys); ok {
		if seen, ok := asTime(v); ok {
			stale := now.Sub(seen) > staleAfter
			d.Attributes["lastSeenAt"] = seen.UTC().Format(time.RFC3339)
			d.Attributes["stale"] = stale
			if stale {
				d.Online = false
			}
		}
	}

	for k, v := range raw {
		if _, ok := consumed[k]; ok {
			continue
		}
		d.Attributes[k] = v
	}
	return d
}

// resolveOnline: явный флаг online, затем status/state, затем switch.
func resolveOnline(raw map[string]any, consumed map[string]struct{}) bool {
	if v, ok := raw["online"].(bool); ok {
		consumed["online"] = struct{}{}
		return v
	}
	for _, k := range []string{"status", "state", "connection"} {
		s, ok := raw[k].(string)
		if !ok {
			continue
		}
		switch strings.ToLower(s) {
		case "online", "on", "active", "connected", "ok":
			return true
		case "offline", "off", "disconnected", "unavailable", "unreachable":
			return false
		}
	}
	if s, ok := raw["switch"].(string); ok {
		return strings.EqualFold(s, "on")
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// asBattery возвращает nil для нечисловых значений ("n/a"), а не ошибку.
func asBattery(v any) *int {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(t), "%")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	pct := int(math.Round(math.Max(0, math.Min(100, f))))
	return &pct
}

// asTime понимает RFC3339 и epoch (секунды или миллисекунды).
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return epoch(n), true
		}
	case float64:
		return epoch(int64(t)), true
	}
	return time.Time{}, false
}

func epoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
