package redisclient

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// extractValue pulls the post-coercion result off a finished command. The
// value recorded here is exactly what the library handed the caller.
func extractValue(cmd redis.Cmder) (interface{}, bool) {
	switch c := cmd.(type) {
	case *redis.StringCmd:
		return c.Val(), true
	case *redis.StatusCmd:
		return c.Val(), true
	case *redis.IntCmd:
		return c.Val(), true
	case *redis.FloatCmd:
		return c.Val(), true
	case *redis.BoolCmd:
		return c.Val(), true
	case *redis.DurationCmd:
		return c.Val().Nanoseconds(), true
	case *redis.StringSliceCmd:
		return c.Val(), true
	case *redis.MapStringStringCmd:
		return c.Val(), true
	case *redis.SliceCmd:
		return c.Val(), true
	}
	return nil, false
}

// applyValue sets a recorded value back onto a command, undoing the type
// widening values pick up from storage round-trips.
func applyValue(cmd redis.Cmder, value interface{}) error {
	switch c := cmd.(type) {
	case *redis.StringCmd:
		s, ok := asString(value)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(s)
	case *redis.StatusCmd:
		s, ok := asString(value)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(s)
	case *redis.IntCmd:
		n, ok := asInt64(value)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(n)
	case *redis.FloatCmd:
		f, ok := asFloat64(value)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(f)
	case *redis.BoolCmd:
		b, ok := value.(bool)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(b)
	case *redis.DurationCmd:
		n, ok := asInt64(value)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(time.Duration(n))
	case *redis.StringSliceCmd:
		s, ok := asStringSlice(value)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(s)
	case *redis.MapStringStringCmd:
		m, ok := asStringMap(value)
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(m)
	case *redis.SliceCmd:
		s, ok := value.([]interface{})
		if !ok {
			return shapeError(cmd, value)
		}
		c.SetVal(s)
	default:
		return shapeError(cmd, value)
	}
	return nil
}

// applyZero gives a command its empty success: the background-replay result.
func applyZero(cmd redis.Cmder) {
	switch c := cmd.(type) {
	case *redis.StringCmd:
		c.SetVal("")
	case *redis.StatusCmd:
		c.SetVal("OK")
	case *redis.IntCmd:
		c.SetVal(0)
	case *redis.FloatCmd:
		c.SetVal(0)
	case *redis.BoolCmd:
		c.SetVal(false)
	case *redis.DurationCmd:
		c.SetVal(0)
	case *redis.StringSliceCmd:
		c.SetVal([]string{})
	case *redis.MapStringStringCmd:
		c.SetVal(map[string]string{})
	case *redis.SliceCmd:
		c.SetVal([]interface{}{})
	}
}

func shapeError(cmd redis.Cmder, value interface{}) error {
	return fmt.Errorf("recorded value %T does not fit %s result", value, cmd.Name())
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asStringSlice(v interface{}) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

func asStringMap(v interface{}) (map[string]string, bool) {
	switch m := v.(type) {
	case map[string]string:
		return m, true
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, item := range m {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[k] = str
		}
		return out, true
	}
	return nil, false
}
