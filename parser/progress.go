package parser

// progressTracker turns the raw counters of a parse into monotonic progress reports. Before the first feature is
// complete, the number of loaded features is estimated from the received bytes. The estimate never exceeds the number
// of features that have at least started to arrive. When such a feature gets lost (skipped or cut off), the final
// report stays at the earlier estimate instead of going back. Result.Loaded and the completed collection always have
// the exact count.
type progressTracker struct {
	total      int
	byteLength int64
	reported   int
	onProgress func(loaded, total int)
}

func newProgressTracker(options Options, onProgress func(loaded, total int)) *progressTracker {
	return &progressTracker{
		total:      options.ExpectedTotal,
		byteLength: options.ExpectedByteLength,
		onProgress: onProgress,
	}
}

func (p *progressTracker) report(loaded int) {
	if loaded < p.reported {
		loaded = p.reported
	}
	p.reported = loaded
	p.onProgress(loaded, p.total)
}

// chunk reports the progress after a chunk has been scanned.
func (p *progressTracker) chunk(bytesRead int64, parsed int, inFlight int) {
	if parsed > 0 {
		p.report(parsed)
		return
	}
	p.report(p.estimate(bytesRead, inFlight))
}

// estimate uses the average feature size derived from the announced byte length and feature count.
func (p *progressTracker) estimate(bytesRead int64, inFlight int) int {
	if p.byteLength <= 0 || p.total <= 0 {
		return 0
	}

	estimated := int(bytesRead * int64(p.total) / p.byteLength)
	if estimated > p.total {
		estimated = p.total
	}
	if estimated > inFlight {
		estimated = inFlight
	}
	return estimated
}
