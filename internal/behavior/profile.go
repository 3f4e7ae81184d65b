package behavior

import "sync"

// Category classifies one completed caller turn.
type Category string

const (
	Short   Category = "short"
	Long    Category = "long"
	Optimal Category = "optimal"
)

const (
	shortMaxSeconds = 2.0
	shortMaxWords   = 3
	longMinSeconds  = 9.0

	// BaselineTimeout is the silence window before enough turns are observed.
	BaselineTimeout = 2.0
	patientTimeout  = 4.0
	briskTimeout    = 1.5

	minTurnsForAdaptation = 2
	categoryThreshold     = 2
)

// Counts is a snapshot of a profile. Short+Long+Optimal always equals Total.
type Counts struct {
	Short   int `json:"short"`
	Long    int `json:"long"`
	Optimal int `json:"optimal"`
	Total   int `json:"total"`
}

// Classify buckets a turn by duration (seconds) and word count.
// A turn cut off by the listen window is always short.
func Classify(seconds float64, words int, cutOff bool) Category {
	switch {
	case cutOff:
		return Short
	case seconds < shortMaxSeconds && words < shortMaxWords:
		return Short
	case seconds >= longMinSeconds:
		return Long
	default:
		return Optimal
	}
}

// Timeout derives the next silence window from observed counts.
func Timeout(c Counts) float64 {
	if c.Total < minTurnsForAdaptation {
		return BaselineTimeout
	}
	switch {
	case c.Short > categoryThreshold:
		return patientTimeout
	case c.Long > categoryThreshold:
		return briskTimeout
	default:
		return BaselineTimeout
	}
}

// Profile tracks one caller's turn durations for the life of a call.
type Profile struct {
	mu     sync.Mutex
	counts Counts
}

func NewProfile() *Profile {
	return &Profile{}
}

// Observe records a completed turn and returns its category.
func (p *Profile) Observe(seconds float64, words int, cutOff bool) Category {
	cat := Classify(seconds, words, cutOff)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch cat {
	case Short:
		p.counts.Short++
	case Long:
		p.counts.Long++
	default:
		p.counts.Optimal++
	}
	p.counts.Total++
	return cat
}

func (p *Profile) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// NextTimeout is the silence window in seconds for the next listen.
func (p *Profile) NextTimeout() float64 {
	return Timeout(p.Counts())
}
