// Package gcode holds the small amount of G-code parsing the recorder needs:
// command codes, numeric parameters, host tags and machine-readable number
// formatting. It is not a general interpreter.
package gcode

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Command is one parsed G-code line.
type Command struct {
	// Code is the upper-cased command word, e.g. "G1" or "@SNAPSHOT".
	Code string
	// Args maps an upper-cased parameter letter to its raw value text.
	Args map[string]string
	Raw  string
}

// Parse splits a line into its code and single-letter arguments.
// Comments (";" to end of line and parenthesized) are dropped.
// It returns false for blank and comment-only lines.
func Parse(line string) (Command, bool) {
	ln := StripComment(line)
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return Command{}, false
	}

	cmd := Command{
		Code: strings.ToUpper(fields[0]),
		Args: make(map[string]string, len(fields)-1),
		Raw:  line,
	}
	for _, f := range fields[1:] {
		// A bare letter ("G28 X") is kept with an empty value.
		cmd.Args[strings.ToUpper(f[:1])] = f[1:]
	}
	return cmd, true
}

// StripComment returns the part of line before any ";" comment, trimmed.
func StripComment(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// Code returns the upper-cased command word of line, or "" for blank lines.
func Code(line string) string {
	cmd, ok := Parse(line)
	if !ok {
		return ""
	}
	return cmd.Code
}

// Float returns the numeric value of parameter letter. Values with a leading
// sign or a leading decimal point ("-.5", ".5") are accepted. A missing or
// malformed parameter reports false.
func (c Command) Float(letter string) (float64, bool) {
	raw, ok := c.Args[strings.ToUpper(letter)]
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Has reports whether parameter letter is present, valid or not.
func (c Command) Has(letter string) bool {
	_, ok := c.Args[strings.ToUpper(letter)]
	return ok
}

// Param parses raw and returns the value of parameter letter.
func Param(raw, letter string) (float64, bool) {
	cmd, ok := Parse(raw)
	if !ok {
		return 0, false
	}
	return cmd.Float(letter)
}

// AtCommand returns the name of an "@" host command such as "@SNAPSHOT",
// upper-cased and without the "@".
func AtCommand(line string) (string, bool) {
	ln := StripComment(line)
	if !strings.HasPrefix(ln, "@") {
		return "", false
	}
	fields := strings.Fields(ln[1:])
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToUpper(fields[0]), true
}

// Precision is the number of decimals used for every number written into
// synthesized G-code and for position accumulation.
const Precision = 5

// Round rounds v to Precision decimals.
func Round(v float64) float64 {
	const scale = 1e5
	r := math.Round(v*scale) / scale
	if r == 0 {
		return 0
	}
	return r
}

// FormatFloat writes v with fixed precision, trailing zeros trimmed and never
// as "-0". The output does not depend on locale.
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(Round(v), 'f', Precision, 64)
	if strings.IndexByte(s, '.') >= 0 {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		return "0"
	}
	return s
}
