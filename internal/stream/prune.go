package stream

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/hewigovens/vibetunnel/internal/cast"
	"github.com/hewigovens/vibetunnel/internal/info"
)

// replay delivers the backlog to a freshly attached subscriber: a
// pruned pass starting at the session's last recorded clear offset, or
// a full unpruned pass from offset zero when the pruned one fails.
// capOffset bounds both passes at the bytes the tail reader had
// already consumed when the subscriber attached; later bytes arrive as
// live broadcasts.
func (r *Registry) replay(sessionID, streamPath string, capOffset int64, sub *subscriber) {
	startOffset := int64(0)
	if rec, err := r.store.Load(sessionID); err == nil {
		startOffset = rec.LastClearOffset
	} else if !errors.Is(err, info.ErrNoRecord) {
		slog.Debug("failed to load session record", "session", sessionID, "error", err)
	}

	if err := r.replayPass(sessionID, streamPath, startOffset, capOffset, true, sub); err != nil {
		slog.Debug("pruned replay failed, retrying without pruning", "session", sessionID, "error", err)
		if err := r.replayPass(sessionID, streamPath, 0, capOffset, false, sub); err != nil {
			slog.Debug("replay failed", "session", sessionID, "error", err)
		}
	}
}

// replayPass reads the stream once from startOffset to EOF and emits,
// in order: exactly one header (dimensions rewritten to the last
// pre-clear resize when pruning found one), then every output, resize
// and exit event after the most recent clear, timestamps zeroed. With
// prune false all events in the pass are emitted and no offsets are
// persisted.
func (r *Registry) replayPass(sessionID, streamPath string, startOffset, capOffset int64, prune bool, sub *subscriber) error {
	f, err := os.Open(streamPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Debug("failed to close stream file after replay", "session", sessionID, "error", cerr)
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if capOffset >= 0 && capOffset < size {
		size = capOffset
	}
	if startOffset > size {
		startOffset = size
	}
	if startOffset < 0 {
		startOffset = 0
	}

	header := readHeader(f, size)
	if header == nil {
		// Keep going; a later resize event still carries dimensions.
		slog.Debug("stream header unreadable", "session", sessionID)
	}

	br := bufio.NewReader(io.NewSectionReader(f, startOffset, size-startOffset))
	fileOffset := startOffset
	var events []*cast.Event
	lastClearIndex := -1
	var currentResize *cast.Event
	var lastResizeBeforeClear *cast.Event
	lastClearOffset := startOffset

	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// An unterminated trailing line is mid-write;
				// the tail reader delivers it once complete.
				break
			}
			return err
		}
		fileOffset += int64(len(line))

		_, ev := cast.ParseLine(line)
		if ev == nil || ev.Type == cast.EventInput {
			continue
		}
		events = append(events, ev)
		if ev.Type == cast.EventResize {
			currentResize = ev
		}
		if prune && cast.ContainsClear(ev) {
			lastClearIndex = len(events) - 1
			lastResizeBeforeClear = currentResize
			lastClearOffset = fileOffset
		}
	}

	if prune && lastClearIndex >= 0 {
		r.persistClearOffset(sessionID, lastClearOffset)
	}

	if header != nil {
		if lastClearIndex >= 0 && lastResizeBeforeClear != nil {
			if cols, rows, err := cast.ParseResize(lastResizeBeforeClear.Data); err == nil {
				header.SetSize(cols, rows)
			} else {
				slog.Debug("invalid resize payload in replay", "session", sessionID, "error", err)
			}
		}
		record, err := header.Encode()
		if err != nil {
			slog.Debug("failed to encode replay header", "session", sessionID, "error", err)
		} else if !sub.sendHeader(record) {
			return nil
		}
	}

	for _, ev := range events[lastClearIndex+1:] {
		record, err := ev.Encode(0)
		if err != nil {
			slog.Debug("failed to encode replay event", "session", sessionID, "error", err)
			continue
		}
		if !sub.sendRecord(record) {
			return nil
		}
		if ev.Type == cast.EventExit {
			sub.closeSink()
			return nil
		}
	}
	return nil
}

// readHeader fetches and parses the first line of the stream,
// independent of the replay window's start offset.
func readHeader(f *os.File, size int64) *cast.Header {
	br := bufio.NewReader(io.NewSectionReader(f, 0, size))
	line, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil
	}
	header, _ := cast.ParseLine(line)
	return header
}

// persistClearOffset stores the byte offset just past the most recent
// clear-bearing event, but only for sessions that already have a
// metadata record. The offset never moves backwards.
func (r *Registry) persistClearOffset(sessionID string, offset int64) {
	rec, err := r.store.Load(sessionID)
	if err != nil {
		if !errors.Is(err, info.ErrNoRecord) {
			slog.Debug("failed to load session record for clear offset", "session", sessionID, "error", err)
		}
		return
	}
	if offset <= rec.LastClearOffset {
		return
	}
	rec.LastClearOffset = offset
	if err := r.store.Save(sessionID, rec); err != nil && !errors.Is(err, info.ErrNoRecord) {
		slog.Debug("failed to persist clear offset", "session", sessionID, "error", err)
	}
}
