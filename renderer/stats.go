package renderer

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats are the frame statistics of a Renderer.
type Stats struct {
	Frames      uint64
	Dropped     uint64
	Recreations int
	Rebuilds    int

	// PrimaryRays counts one ray per output pixel and frame.
	PrimaryRays uint64

	// Elapsed is the time from the first frame to the last submission.
	Elapsed time.Duration
}

// FPS returns the average frame rate.
func (s Stats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Elapsed.Seconds()
}

// MRaysPerSecond returns the average primary ray rate in millions per
// second.
func (s Stats) MRaysPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.PrimaryRays) / s.Elapsed.Seconds() / 1e6
}

// String formats the statistics with English digit grouping.
func (s Stats) String() string {
	return s.Format(language.English)
}

// Format formats the statistics for tag.
func (s Stats) Format(tag language.Tag) string {
	p := message.NewPrinter(tag)
	return p.Sprintf("%d frames (%d dropped, %d recreations), %.1f fps, %d primary rays, %.2f Mrays/s",
		s.Frames, s.Dropped, s.Recreations, s.FPS(), s.PrimaryRays, s.MRaysPerSecond())
}
