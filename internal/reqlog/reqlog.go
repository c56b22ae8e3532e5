// Package reqlog owns the per-request log sink: one small rotated file
// per accepted connection, named by its request id, torn down when the
// connection closes.
package reqlog

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rchudasama/pylogproxy/internal/logger"
)

// requestLogMaxMB caps a single request's log file; a runaway response
// body should not grow one file without bound even though, in practice,
// one file serves exactly one exchange.
const requestLogMaxMB = 20

// Sink is a request-scoped logger bound to its own file on disk.
type Sink struct {
	ID     string
	Logger *logger.Logger

	file *lumberjack.Logger
}

// New allocates a request id and opens its backing log file under dir,
// gated at the given level. The file is created lazily by lumberjack on
// first write.
func New(dir, level string) *Sink {
	id := uuid.NewString()
	lj := &lumberjack.Logger{
		Filename: filepath.Join(dir, fmt.Sprintf("%s.log", id)),
		MaxSize:  requestLogMaxMB,
	}
	return &Sink{
		ID:     id,
		Logger: logger.New(id, lj, level),
		file:   lj,
	}
}

// Close releases the backing file. Safe to call once per Sink.
func (s *Sink) Close() error {
	return s.file.Close()
}
