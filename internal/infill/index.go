package infill

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Window is a deferrable region of the job file. Start is the offset of the
// line that opened it, End the offset of the line that closed it.
type Window struct {
	Start int64
	End   int64
}

// Index is the result of one scan. It is never modified after Scan returns.
//
// The offset of a line is the byte count up to and including that line,
// matching the "filepos" tag the host attaches to each sent line.
type Index struct {
	windows  []Window
	markers  []int64
	lineEnds []int64
}

// Windows returns the infill windows in file order.
func (x *Index) Windows() []Window { return append([]Window(nil), x.windows...) }

// Markers returns the snapshot marker offsets in file order.
func (x *Index) Markers() []int64 { return append([]int64(nil), x.markers...) }

// Lines returns the number of lines scanned.
func (x *Index) Lines() int { return len(x.lineEnds) }

// Scan reads the whole job file and builds its Index.
func Scan(ctx context.Context, r io.Reader, c LineClassifier) (*Index, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	x := &Index{}

	var (
		offset int64
		open   = false
		start  int64
	)
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line, err := br.ReadString('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			x.lineEnds = append(x.lineEnds, offset)

			switch c.Classify(line) {
			case KindSnapshot:
				x.markers = append(x.markers, offset)
			case KindInfillStart:
				if !open {
					open, start = true, offset
				}
			case KindRegion:
				if open {
					x.windows = append(x.windows, Window{Start: start, End: offset})
					open = false
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read job file: %w", err)
		}
	}
	if open && offset > start {
		x.windows = append(x.windows, Window{Start: start, End: offset})
	}
	return x, nil
}

// LineAt maps an offset to the index of the line containing it. Offsets past
// the end report false.
func (x *Index) LineAt(pos int64) (int, bool) {
	i := sort.Search(len(x.lineEnds), func(i int) bool { return x.lineEnds[i] >= pos })
	if i == len(x.lineEnds) {
		return 0, false
	}
	return i, true
}

// PositionOfLine maps a line index back to its offset.
func (x *Index) PositionOfLine(line int) (int64, bool) {
	if line < 0 || line >= len(x.lineEnds) {
		return 0, false
	}
	return x.lineEnds[line], true
}

// nextMarker returns the first snapshot marker strictly after pos.
func (x *Index) nextMarker(pos int64) (int64, bool) {
	i := sort.Search(len(x.markers), func(i int) bool { return x.markers[i] > pos })
	if i == len(x.markers) {
		return 0, false
	}
	return x.markers[i], true
}

// nextWindow returns the first window starting strictly after pos.
func (x *Index) nextWindow(pos int64) (Window, bool) {
	i := sort.Search(len(x.windows), func(i int) bool { return x.windows[i].Start > pos })
	if i == len(x.windows) {
		return Window{}, false
	}
	return x.windows[i], true
}

// CanQueueSnapshotAt reports whether a snapshot requested at pos can be
// deferred: a window must start after pos and before the next marker.
func (x *Index) CanQueueSnapshotAt(pos int64) bool {
	marker, ok := x.nextMarker(pos)
	if !ok {
		return false
	}
	w, ok := x.nextWindow(pos)
	if !ok {
		return false
	}
	return w.Start < marker
}

// NextInfillPosition returns the offset of the line halfway, by line count,
// between the start of the next window and the earlier of its end and the
// next marker. The result is always after pos and before that marker.
func (x *Index) NextInfillPosition(pos int64) (int64, bool) {
	w, ok := x.nextWindow(pos)
	if !ok {
		return 0, false
	}
	to := w.End
	if marker, ok := x.nextMarker(pos); ok {
		if w.Start >= marker {
			return 0, false
		}
		to = min(to, marker)
	}

	fromLine, ok := x.LineAt(w.Start)
	if !ok {
		return 0, false
	}
	toLine, ok := x.LineAt(to)
	if !ok {
		return 0, false
	}
	return x.PositionOfLine(fromLine + (toLine-fromLine)/2)
}
