package upload

import "io"

// progressReader reports whole-percent progress as the body is consumed.
type progressReader struct {
	reader   io.Reader
	total    int64
	read     int64
	last     int
	onChange func(percent int)
}

func (p *progressReader) Read(buffer []byte) (int, error) {
	count, err := p.reader.Read(buffer)
	p.read += int64(count)
	if p.total > 0 && p.onChange != nil {
		percent := int(p.read * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent != p.last {
			p.last = percent
			p.onChange(percent)
		}
	}
	return count, err
}
