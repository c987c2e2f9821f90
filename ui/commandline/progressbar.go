// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pixelcnn/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the minimum time between terminal updates.
var RefreshPeriod = time.Millisecond * 500

// maxUpdateFrequency is the time between updates to the commandline display of stats.
var maxUpdateFrequency = time.Millisecond * 200

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the loop hooks registered by AttachProgressBar.
const ProgressBarName = "pixelcnn.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount  int
	maxStep int
	rows    [][2]string
}

// Write implements io.Writer for the enclosed progressbar.ProgressBar: it erases the rest of the line
// after each print.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte("\033[J"))
	return
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.numSteps = -1 // Unknown until the end of the first epoch: the bar shows a spinner.
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

// onStep enqueues an update after a training step.
func (pBar *progressBar) onStep(loop *train.Loop, result train.StepResult) error {
	pBar.report(loop, loop.LoopStep+1, result.LearningRate) // +1 because the current LoopStep is finished.
	return nil
}

// onEpoch flushes the steps of the epoch not yet reported. LoopStep was already incremented
// past the last step of the epoch.
func (pBar *progressBar) onEpoch(loop *train.Loop, _ train.EpochStats) error {
	pBar.report(loop, loop.LoopStep, loop.Trainer.Scheduler().LearningRate())
	return nil
}

// report enqueues an update with the number of steps finished since the last one and the current stats.
func (pBar *progressBar) report(loop *train.Loop, finishedSteps int, learningRate float64) {
	amount := finishedSteps - pBar.lastStepReported
	if amount <= 0 {
		return
	}
	update := progressBarUpdate{amount: amount, maxStep: -1}
	stepStr := humanize.Comma(int64(finishedSteps))
	if loop.EndStep > 0 {
		update.maxStep = loop.EndStep - loop.StartStep
		stepStr = fmt.Sprintf("%s of %s", stepStr, humanize.Comma(int64(loop.EndStep)))
	}
	update.rows = append(update.rows,
		[2]string{"Epoch", humanize.Comma(int64(loop.Epoch))},
		[2]string{"Step", stepStr},
		[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
		[2]string{loop.TrainBitsPerDim.Name(), loop.TrainBitsPerDim.PrettyPrint(loop.TrainBitsPerDim.Read())},
		[2]string{"Learning rate", fmt.Sprintf("%.6g", learningRate)},
	)
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
	pBar.lastStepReported = finishedSteps
}

func (pBar *progressBar) onEnd(_ *train.Loop) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// drawUpdates runs in a separate goroutine, and prints the updates: this is handy if the training is
// faster than the terminal.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}
		if update.maxStep > 0 && update.maxStep != pBar.numSteps {
			pBar.numSteps = update.maxStep
			pBar.bar.ChangeMax(pBar.numSteps)
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.numLinesPrinted = len(update.rows) + 2 + 2 // Rows, table borders, progress bar and new line.
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and the training stats.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(loop, os.Stdout, extraMetrics...)
}

func attachProgressBar(loop *train.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so training is not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, func(loop *train.Loop, ds train.Dataset) error {
		pBar.asyncUpdatesDone.Add(1)
		go pBar.drawUpdates()
		return pBar.onStart(loop, ds)
	})
	train.PeriodicCallback(loop, RefreshPeriod, ProgressBarName, 0, pBar.onStep)
	loop.OnEpoch(ProgressBarName, 0, pBar.onEpoch)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
