package storage

import (
	"context"
	"strconv"
	"time"
)

// Record is what an upload returns. A successful upload reports several
// fields; a failed one carries only "error".
type Record map[string]string

func (r Record) Succeeded() bool {
	return len(r) > 1
}

func (r Record) Error() string {
	return r["error"]
}

func failure(err error) Record {
	return Record{"error": err.Error()}
}

func success(size int64, elapsed time.Duration) Record {
	seconds := elapsed.Seconds()
	throughput := 0.0
	if seconds > 0 {
		throughput = float64(size) / seconds
	}
	return Record{
		"size":       strconv.FormatInt(size, 10),
		"time":       strconv.FormatFloat(seconds, 'f', 3, 64),
		"throughput": strconv.FormatFloat(throughput, 'f', 0, 64),
	}
}

// Uploader is the durable upload capability.
type Uploader interface {
	Upload(ctx context.Context, source, filename string) Record
}
