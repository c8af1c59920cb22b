package infill

import (
	"strings"

	"github.com/timelapseplus/extension/internal/gcode"
)

// Kind is the role a job file line plays for lookahead.
type Kind int

const (
	KindNone Kind = iota
	// KindSnapshot is a line that will trigger a snapshot when printed.
	KindSnapshot
	// KindInfillStart opens a region that is safe to interrupt.
	KindInfillStart
	// KindRegion is any other region-type marker; it closes an open window.
	KindRegion
)

// LineClassifier decides what a job file line means for lookahead.
type LineClassifier interface {
	Classify(line string) Kind
}

const typePrefix = ";TYPE:"

// DefaultInfillTypes are the region names slicers use for infill.
var DefaultInfillTypes = []string{"FILL", "Internal infill", "Sparse infill"}

// Grammar classifies lines the way common slicers annotate them: region
// types as ";TYPE:<name>" comments and snapshots as "@<command>".
type Grammar struct {
	SnapshotCommand string
	InfillTypes     []string
}

// DefaultGrammar returns a Grammar for the given snapshot command name.
func DefaultGrammar(snapshotCommand string) Grammar {
	return Grammar{SnapshotCommand: snapshotCommand, InfillTypes: DefaultInfillTypes}
}

// Classify implements LineClassifier.
func (g Grammar) Classify(line string) Kind {
	ln := strings.TrimSpace(line)
	if strings.HasPrefix(ln, typePrefix) {
		region := strings.TrimSpace(ln[len(typePrefix):])
		for _, t := range g.InfillTypes {
			if strings.EqualFold(region, t) {
				return KindInfillStart
			}
		}
		return KindRegion
	}
	if g.SnapshotCommand == "" || !strings.HasPrefix(ln, "@") {
		return KindNone
	}
	if strings.EqualFold(gcode.StripComment(ln), "@"+g.SnapshotCommand) {
		return KindSnapshot
	}
	return KindNone
}
