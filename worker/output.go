package worker

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"go.uber.org/zap"
)

// captureKeep bounds how much guest output is retained for diagnostics.
const captureKeep = 64 * 1024

// captureBuffer retains the first captureKeep bytes written to it. Writes
// never fail; overflow is dropped.
type captureBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newCaptureBuffer() *captureBuffer {
	return &captureBuffer{}
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := captureKeep - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *captureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// readOutput pumps one guest output stream line by line into the logger and
// the given writers until the stream closes. Nil writers are skipped.
func readOutput(r io.Reader, log *zap.SugaredLogger, dests ...io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debugf("[guest] %s", line)
		for _, d := range dests {
			if d == nil {
				continue
			}
			if _, err := io.WriteString(d, line+"\n"); err != nil {
				log.Debugf("writing guest output: %s", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("reading guest output: %s", err)
	}
}
