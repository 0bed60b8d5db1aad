package ui

import "github.com/tarshard/tarshard/internal/stats"

// quietPresenter consumes events but produces no output.
type quietPresenter struct {
	stats stats.Reader
}

func (p *quietPresenter) Run(events <-chan Event) error {
	for range events {
		// The pipeline writes to the collector directly; presenters only
		// read from it, so there is nothing to do here.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
