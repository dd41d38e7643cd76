package statestore

// DefaultFullStateInterval is the number of consecutive partial saves
// allowed before a full checkpoint is forced.
const DefaultFullStateInterval = 10

// MetaPartialCount is the metadata field holding the partial save counter.
const MetaPartialCount = "partialStateCount"

// Promoter decides whether the next save is a full or a partial entry.
type Promoter struct {
	interval int
	count    int
}

// NewPromoter creates a Promoter. Non-positive intervals use the default.
func NewPromoter(interval int) *Promoter {
	if interval <= 0 {
		interval = DefaultFullStateInterval
	}
	return &Promoter{interval: interval}
}

// Restore resumes counting from a persisted partial count.
func (p *Promoter) Restore(count int) {
	if count < 0 {
		count = 0
	}
	p.count = count
}

// Next reports whether the upcoming save must be full. After interval
// consecutive partial saves the next one is full and the counter resets.
func (p *Promoter) Next(force bool) bool {
	if force || p.count >= p.interval {
		p.count = 0
		return true
	}
	p.count++
	return false
}

// Count returns the number of consecutive partial saves so far.
func (p *Promoter) Count() int { return p.count }

// Interval returns the configured interval.
func (p *Promoter) Interval() int { return p.interval }
