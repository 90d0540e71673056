/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package log

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

const fileHookBufferSize = 100

// fileHook mirrors log entries into a local file. Writes happen on a
// dedicated goroutine so protocol handlers never block on disk.
type fileHook struct {
	fallback logrus.FieldLogger
	lines    chan []byte
	done     chan struct{}
	w        io.WriteCloser
	bw       *bufio.Writer
	levels   []logrus.Level
}

// NewFileHook opens path for appending and returns a hook writing every
// entry at level or above. The file is flushed and closed when ctx ends;
// the returned channel is closed once that has happened.
func NewFileHook(
	ctx context.Context, fallback logrus.FieldLogger, path, level string,
) (logrus.Hook, <-chan struct{}, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("log file path must not be empty")
	}
	levels := logrus.AllLevels
	if level != "" {
		var err error
		if levels, err = parseLevels(level); err != nil {
			return nil, nil, err
		}
	}
	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("log file directory %q does not exist", filepath.Dir(path))
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", path, err)
	}

	h := &fileHook{
		fallback: fallback,
		lines:    make(chan []byte, fileHookBufferSize),
		done:     make(chan struct{}),
		w:        file,
		bw:       bufio.NewWriter(file),
		levels:   levels,
	}
	go h.loop(ctx)

	return h, h.done, nil
}

func (h *fileHook) loop(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case line := <-h.lines:
			if _, err := h.bw.Write(line); err != nil {
				h.fallback.Errorf("writing to log file: %v", err)
			}
		case <-ctx.Done():
			// drain what was queued before shutdown
		drain:
			for {
				select {
				case line := <-h.lines:
					_, _ = h.bw.Write(line)
				default:
					break drain
				}
			}
			if err := h.bw.Flush(); err != nil {
				h.fallback.Errorf("flushing log file: %v", err)
			}
			if err := h.w.Close(); err != nil {
				h.fallback.Errorf("closing log file: %v", err)
			}
			return
		}
	}
}

// Fire queues the formatted entry for writing.
func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("formatting log entry: %w", err)
	}
	select {
	case h.lines <- line:
	case <-h.done:
	}
	return nil
}

func (h *fileHook) Levels() []logrus.Level {
	return h.levels
}

func parseLevels(level string) ([]logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %s", level)
	}
	index := sort.Search(len(logrus.AllLevels), func(i int) bool {
		return logrus.AllLevels[i] > lvl
	})

	return logrus.AllLevels[:index], nil
}
