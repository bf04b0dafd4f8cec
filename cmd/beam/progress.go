package main

import (
	"io"

	"github.com/pterm/pterm"

	"github.com/schaermu/beam/internal/deployment"
)

// progressBar renders transfer progress. It stays silent until start is
// called, so preview runs never draw a bar.
type progressBar struct {
	out      io.Writer
	bar      *pterm.ProgressbarPrinter
	progress deployment.Progress
}

func (p *progressBar) start(total int) error {
	p.progress = deployment.NewProgress(total)
	bar, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("File: ").
		WithWriter(p.out).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		return err
	}
	p.bar = bar
	return nil
}

// Advance moves the bar by one record
func (p *progressBar) Advance(record deployment.ChangeRecord) {
	p.progress = p.progress.Advance(record)
	if p.bar == nil {
		return
	}
	p.bar.UpdateTitle("File: " + record.Filename)
	p.bar.Increment()
}

func (p *progressBar) stop() {
	if p.bar == nil {
		return
	}
	_, _ = p.bar.Stop()
	p.bar = nil
}
