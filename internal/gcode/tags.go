package gcode

import (
	"slices"
	"strconv"
	"strings"
)

const (
	// TagSynthesized marks commands generated by the stabilization sequence.
	TagSynthesized = "plugin:timelapse:synthesized"

	filePosPrefix = "filepos:"
)

// Tags is the tag set a print host attaches to every command.
type Tags []string

// Has reports whether tag is present.
func (t Tags) Has(tag string) bool {
	return slices.Contains(t, tag)
}

// Synthesized reports whether the command was generated by stabilization.
func (t Tags) Synthesized() bool {
	return t.Has(TagSynthesized)
}

// FilePos returns the job file offset carried by a "filepos:N" tag.
func (t Tags) FilePos() (int64, bool) {
	for _, tag := range t {
		if !strings.HasPrefix(tag, filePosPrefix) {
			continue
		}
		pos, err := strconv.ParseInt(tag[len(filePosPrefix):], 10, 64)
		if err != nil {
			return 0, false
		}
		return pos, true
	}
	return 0, false
}

// With returns a copy of t with extra appended.
func (t Tags) With(extra ...string) Tags {
	out := make(Tags, 0, len(t)+len(extra))
	out = append(out, t...)
	return append(out, extra...)
}

// FilePosTag builds the tag carrying a job file offset.
func FilePosTag(pos int64) string {
	return filePosPrefix + strconv.FormatInt(pos, 10)
}
