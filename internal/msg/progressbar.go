package msg

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// ProgressBar is an io.Writer that counts bytes and redraws a bar, meant to
// sit behind an io.TeeReader on a download
type ProgressBar struct {
	Total      int64
	Current    int64
	Indent     int
	Start      time.Time
	W          io.Writer
	quiet      bool
	lastPrint  time.Time
	throbIndex int
}

var throbbers = []rune{'|', '/', '-', '\\'}

// NewProgressBar creates a bar drawing to w. Total may be <= 0 when the size
// is unknown. When w is not a terminal the bar stays silent.
func NewProgressBar(total int64, indent int, w io.Writer) *ProgressBar {
	now := time.Now()
	return &ProgressBar{
		Total:     total,
		Indent:    indent,
		Start:     now,
		W:         w,
		quiet:     !isTerminal(w),
		lastPrint: now,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (pb *ProgressBar) Write(p []byte) (int, error) {
	n := len(p)
	pb.Current += int64(n)

	if !pb.quiet && time.Since(pb.lastPrint) > 40*time.Millisecond {
		pb.print(false)
		pb.lastPrint = time.Now()
	}
	return n, nil
}

func (pb *ProgressBar) print(finish bool) {
	width := 40
	percent := float64(pb.Current) / float64(max(pb.Total, 1))
	if finish {
		percent = 1
	}

	filled := min(int(percent*float64(width)), width)
	bar := strings.Repeat("█", filled) + strings.Repeat("-", width-filled)

	throb := throbbers[pb.throbIndex%len(throbbers)]
	pb.throbIndex++
	if finish {
		throb = ' '
	}

	pad := strings.Repeat(" ", pb.Indent)
	if pb.Total > 0 {
		fmt.Fprintf(pb.W, "\r%s%6.f%% [%s] %c", pad, percent*100, bar, throb)
	} else {
		fmt.Fprintf(pb.W, "\r%s%d KB %c", pad, pb.Current/1024, throb)
	}
}

// Finish draws the completed bar and ends the line
func (pb *ProgressBar) Finish() {
	if pb.quiet {
		return
	}
	pb.print(true)
	fmt.Fprintln(pb.W)
}
