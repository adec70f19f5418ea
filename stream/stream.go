// Package stream records and replays server-sent-event bodies. The tee
// forwards upstream bytes to the client untouched while assembling the event
// lines on the side, so a cached replay carries exactly the chunks the first
// caller saw, with their original pacing capped to keep replays snappy.
package stream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/cache"
)

const (
	// MinChunksToCache filters out degenerate streams: an aborted or
	// trivially short stream is not worth replaying.
	MinChunksToCache = 3

	// MaxReplayDelay caps per-chunk pacing on replay.
	MaxReplayDelay = 100 * time.Millisecond

	// FastReplayDelay is the fixed pacing when the caller asks for a fast
	// replay.
	FastReplayDelay = 30 * time.Millisecond
)

const doneMarker = "data: [DONE]"

// streamDelta is the slice of a chat stream event the recorder cares about.
type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type Recorder struct {
	logger *zap.SugaredLogger
	clock  clock.Clock
}

func NewRecorder(logger *zap.SugaredLogger) *Recorder {
	return &Recorder{logger: logger, clock: clock.New()}
}

func newRecorderWithClock(logger *zap.SugaredLogger, clk clock.Clock) *Recorder {
	return &Recorder{logger: logger, clock: clk}
}

// Tee copies the upstream body to the client byte-for-byte while recording
// the "data:" event lines. The prompt text estimates the entry's input
// tokens; output tokens are estimated from the assembled content. The
// returned entry is Complete only when the stream ended with the [DONE]
// marker; cancellation mid-stream returns the partial entry alongside the
// context error so the caller can decide what to keep.
func (r *Recorder) Tee(ctx context.Context, upstream io.Reader, client io.Writer, model string, prompt string) (*cache.StreamEntry, error) {
	entry := &cache.StreamEntry{
		Model:       model,
		GeneratedAt: r.clock.Now(),
	}
	flusher, _ := client.(http.Flusher)

	var (
		pending   strings.Builder
		content   strings.Builder
		started   = r.clock.Now()
		lastChunk = started
		buf       = make([]byte, 4096)
	)

	record := func(line string) {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			return
		}

		now := r.clock.Now()
		entry.Chunks = append(entry.Chunks, cache.StreamChunk{
			Raw:     line,
			DeltaMs: now.Sub(lastChunk).Milliseconds(),
		})
		lastChunk = now

		if line == doneMarker {
			entry.Complete = true
			return
		}
		var delta streamDelta
		if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &delta); err != nil {
			return
		}
		if len(delta.Choices) > 0 {
			content.WriteString(delta.Choices[0].Delta.Content)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return entry, err
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			if _, err := client.Write(buf[:n]); err != nil {
				return entry, err
			}
			if flusher != nil {
				flusher.Flush()
			}

			// Upstream reads split events arbitrarily; reassemble lines
			// before recording.
			pending.Write(buf[:n])
			lines := strings.Split(pending.String(), "\n")
			pending.Reset()
			pending.WriteString(lines[len(lines)-1])

			for _, line := range lines[:len(lines)-1] {
				record(line)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return entry, readErr
		}
	}

	// A stream may end without a trailing newline; the leftover line still
	// belongs to the transcript.
	if pending.Len() > 0 {
		record(pending.String())
	}

	entry.FullContent = content.String()
	entry.TotalDurationMs = r.clock.Now().Sub(started).Milliseconds()
	inputTokens := EstimateTokens(prompt)
	outputTokens := EstimateTokens(entry.FullContent)
	entry.Tokens = cache.TokenCounts{
		Input:  inputTokens,
		Output: outputTokens,
		Total:  inputTokens + outputTokens,
	}
	return entry, nil
}

// Cacheable reports whether a recorded stream is worth persisting.
func Cacheable(entry *cache.StreamEntry) bool {
	return entry != nil && entry.Complete && len(entry.Chunks) >= MinChunksToCache
}

// Replay writes the recorded chunks to the client with the original pacing,
// each delay capped at MaxReplayDelay. Fast mode uses a fixed short delay
// instead.
func (r *Recorder) Replay(ctx context.Context, client io.Writer, entry *cache.StreamEntry, fast bool) error {
	flusher, _ := client.(http.Flusher)

	for i, chunk := range entry.Chunks {
		if i > 0 {
			delay := time.Duration(chunk.DeltaMs) * time.Millisecond
			if fast {
				delay = FastReplayDelay
			} else if delay > MaxReplayDelay {
				delay = MaxReplayDelay
			}
			if delay > 0 {
				timer := r.clock.Timer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}

		if _, err := io.WriteString(client, chunk.Raw+"\n\n"); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

// EstimateTokens approximates token usage for streamed content, where the
// upstream never reports usage: roughly four characters per token, rounded
// up.
func EstimateTokens(text string) int32 {
	if len(text) == 0 {
		return 0
	}
	return int32((len(text) + 3) / 4)
}
