package deployment

// ProgressSink receives one call per record as a provider applies it
type ProgressSink interface {
	Advance(record ChangeRecord)
}

// NopProgress discards progress
type NopProgress struct{}

// Advance does nothing
func (NopProgress) Advance(ChangeRecord) {}

// Progress is caller-owned transfer progress
type Progress struct {
	Total   int
	Done    int
	Current string
}

// NewProgress starts progress for a transfer of total records
func NewProgress(total int) Progress {
	return Progress{Total: total}
}

// Advance returns the progress after record has been applied
func (p Progress) Advance(record ChangeRecord) Progress {
	p.Done++
	p.Current = record.Filename
	if p.Done > p.Total {
		p.Total = p.Done
	}
	return p
}

// Finished reports whether every record has been applied
func (p Progress) Finished() bool {
	return p.Done >= p.Total
}
