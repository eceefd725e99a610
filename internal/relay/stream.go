package relay

import (
	"errors"
	"io"
	"net/http"
	"time"
)

// streamIdleTimeout aborts a stream when the upstream goes silent. It bounds
// half-dead connections without capping total stream length.
const streamIdleTimeout = 300 * time.Second

var errStreamIdle = errors.New("stream idle timeout")

// copyStream forwards body to w, flushing after every chunk so SSE events
// reach the client immediately. Returns the byte count written and the first
// error, errStreamIdle when the upstream stalls past idle.
func copyStream(w http.ResponseWriter, body io.Reader, idle time.Duration) (int64, error) {
	flusher, _ := w.(http.Flusher)

	type chunk struct {
		data []byte
		err  error
	}
	ch := make(chan chunk)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			var data []byte
			if n > 0 {
				data = make([]byte, n)
				copy(data, buf[:n])
			}
			select {
			case ch <- chunk{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	var total int64
	for {
		select {
		case c := <-ch:
			if len(c.data) > 0 {
				if _, err := w.Write(c.data); err != nil {
					return total, err
				}
				total += int64(len(c.data))
				if flusher != nil {
					flusher.Flush()
				}
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return total, nil
				}
				return total, c.err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			return total, errStreamIdle
		}
	}
}
