package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/schollz/progressbar/v3"
)

// progressBars draws one bar per file in flight.
type progressBars struct {
	out  io.Writer
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newProgressBars(out io.Writer) *progressBars {
	return &progressBars{out: out, bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *progressBars) update(pr transfer.Progress) {
	key := string(pr.Direction) + "/" + pr.PeerID + "/" + pr.FileName

	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[key]
	if !ok {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", pr.Direction, pr.FileName)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		p.bars[key] = bar
	}
	_ = bar.Set(pr.Percent)
	if pr.Percent >= 100 {
		_ = bar.Finish()
		delete(p.bars, key)
	}
}
