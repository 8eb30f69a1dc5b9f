package progress

import (
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/schollz/progressbar/v3"
)

// Terminal renders OperationProgress events as a single-line terminal
// progress bar, the CLI-facing counterpart the rest of this stack uses for
// long-running operations.
type Terminal struct {
	bar *progressbar.ProgressBar
}

// NewTerminal builds a Terminal reporter with the given human-readable
// description shown to the left of the bar.
func NewTerminal(description string) *Terminal {
	bar := progressbar.NewOptions64(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
	return &Terminal{bar: bar}
}

// Report implements Reporter.
func (t *Terminal) Report(p model.OperationProgress) {
	_ = t.bar.Set(int(p.Percent))
	if p.StatusMessage != "" {
		t.bar.Describe(p.StatusMessage)
	}
}
