package transfer

import "io"

// progressWriter reports whole percentages of total as bytes pass through,
// never repeating or going backwards.
type progressWriter struct {
	last    int
	report  func(percent int)
	total   int64
	w       io.Writer
	written int64
}

func newProgressWriter(w io.Writer, total int64, report func(percent int)) *progressWriter {
	return &progressWriter{
		last:   -1,
		report: report,
		total:  total,
		w:      w,
	}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)

	if p.total > 0 {
		percent := int(p.written * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		p.emit(percent)
	}
	return n, err
}

func (p *progressWriter) Written() int64 {
	return p.written
}

// finish reports 100% if it has not been reported yet.
func (p *progressWriter) finish() {
	p.emit(100)
}

func (p *progressWriter) emit(percent int) {
	if p.report == nil || percent <= p.last {
		return
	}
	p.last = percent
	p.report(percent)
}
