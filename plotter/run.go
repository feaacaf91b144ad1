package plotter

import (
	"context"

	"go.uber.org/multierr"
)

// Validate checks every command of a program without touching the hardware
func (p *Plotter) Validate(cmds []Command) error {
	for i, c := range cmds {
		if err := p.validate(i, c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plotter) validate(i int, c Command) error {
	switch c.Kind {
	case KindGoto, KindPen, KindHome:
		return nil
	case KindLine:
		if _, err := p.conv.FeedrateToDelay(c.Feedrate); err != nil {
			return &CommandError{Index: i, Command: c, Err: &ConfigError{Field: "Feedrate", Reason: err.Error()}}
		}
		return nil
	default:
		return &CommandError{Index: i, Command: c, Reason: "unknown command kind"}
	}
}

// Run validates a program, then executes it in order and waits for the last
// move to finish.  Nothing moves if any command is invalid.  A hardware fault
// left by an earlier operation is Reset first.  Once execution has begun the
// plotter is always Stopped on the way out, whether the program finished,
// failed, or ctx was cancelled.
func (p *Plotter) Run(ctx context.Context, cmds []Command) (err error) {
	if err := p.Validate(cmds); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		err = multierr.Append(err, p.Stop())
	}()
	if err := p.resetLocked(); err != nil {
		return err
	}

	p.log.Printf("plotter: running %d commands", len(cmds))
	for i, c := range cmds {
		if err := p.executeLocked(ctx, c); err != nil {
			p.log.Printf("plotter: command %d (%s) failed: %v", i, c, err)
			return err
		}
	}
	if err := p.batch.WaitIdle(ctx); err != nil {
		return err
	}
	p.log.Printf("plotter: program complete at %s", p.Position())
	return nil
}
