package logging

import "time"

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int32(key string, value int32) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component field helpers for common component names
func Component(name string) Field {
	return String("component", name)
}

// GPID tags a log line with a partition id rendered as "app.index".
func GPID(gpid string) Field {
	return String("gpid", gpid)
}

// Dupid tags a log line with a duplication task id.
func Dupid(id int32) Field {
	return Int32("dupid", id)
}

// Decree tags a log line with a log position.
func Decree(key string, d int64) Field {
	return Int64(key, d)
}

// Ballot tags a log line with a leadership epoch.
func Ballot(b int64) Field {
	return Int64("ballot", b)
}

func Remote(addr string) Field {
	return String("remote", addr)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}
