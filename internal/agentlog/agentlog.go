// Package agentlog appends agent events to a per-agent JSON-lines file
// so `cam logs` can tail and follow an agent without touching the
// database.
package agentlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/camdev/cam/internal/models"
)

// Append writes one event as a JSON line, creating the file as needed.
func Append(path string, ev models.AgentEvent) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

// Tail returns the last n events in the file. A missing file is empty.
func Tail(path string, n int) ([]models.AgentEvent, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []models.AgentEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev models.AgentEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// A torn trailing line from a crashed writer is skipped.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Follow streams events appended to path until ctx is done. It polls at
// interval, which keeps the reader portable across filesystems.
func Follow(ctx context.Context, path string, interval time.Duration) (<-chan models.AgentEvent, error) {
	ch := make(chan models.AgentEvent)
	go func() {
		defer close(ch)
		var offset int64
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			offset = emitFrom(ctx, path, offset, ch)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

// emitFrom reads complete lines starting at offset and returns the new
// offset. Partial trailing lines are left for the next poll.
func emitFrom(ctx context.Context, path string, offset int64, ch chan<- models.AgentEvent) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return offset
		}
		offset += int64(len(line))
		var ev models.AgentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return offset
		}
	}
}
