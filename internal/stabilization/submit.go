package stabilization

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/pkg/core"
)

// Channel is the printer command channel. Hold(true) asks for exclusive use
// and reports whether it was granted; Hold(false) releases it.
type Channel interface {
	Hold(hold bool) bool
	Submit(ctx context.Context, commands []string, tags gcode.Tags) error
}

// Run holds the channel, reads the current position, synthesizes the
// sequence and submits it tagged as synthesized. The hold is released on
// every return path.
func Run(ctx context.Context, ch Channel, position func() core.Position, s Settings, progress float64) (seq Sequence, err error) {
	ctx, span := tracer().Start(ctx, "stabilization.run",
		trace.WithAttributes(attribute.Float64("progress", progress)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !ch.Hold(true) {
		return Sequence{}, ErrChannelBusy
	}
	defer ch.Hold(false)

	seq, err = Synthesize(position(), s, progress)
	if err != nil {
		return Sequence{}, err
	}
	span.SetAttributes(
		attribute.Int("commands", len(seq.Commands)),
		attribute.Float64("park.x", seq.Park.X),
		attribute.Float64("park.y", seq.Park.Y),
		attribute.Float64("park.z", seq.Park.Z),
	)

	if err = ch.Submit(ctx, seq.Commands, gcode.Tags{gcode.TagSynthesized}); err != nil {
		return Sequence{}, fmt.Errorf("submit stabilization sequence: %w", err)
	}
	return seq, nil
}
