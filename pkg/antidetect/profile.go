// Package antidetect builds a fresh, randomized browser fingerprint and
// human-like timing profile for each MLS scrape session (spec §4.3). A
// Profile is a pure value type — no state is shared across sessions.
package antidetect

import (
	"math"
	"math/rand/v2"
	"time"
)

// Viewport is a browser window size.
type Viewport struct {
	Width, Height int
}

// Geolocation is a latitude/longitude pair.
type Geolocation struct {
	Lat, Lon float64
}

// Profile is the per-session fingerprint handed to the scrape collector's
// browser context.
type Profile struct {
	UserAgent   string
	Viewport    Viewport
	Timezone    string
	Geolocation Geolocation
	Language    string
	AcceptLang  string

	rng *rand.Rand
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var viewports = []Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1366, Height: 768},
}

// phoenixMetro is the center of the target metro; geolocation jitter is
// bounded around it (spec §4.3's "bounded jitter around the target metro").
var phoenixMetro = Geolocation{Lat: 33.4484, Lon: -112.0740}

const geoJitterDegrees = 0.15 // roughly ±10 miles

// New builds a fresh, randomized Profile for one scraping session.
func New() *Profile {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano())>>1))
	return &Profile{
		UserAgent: userAgents[rng.IntN(len(userAgents))],
		Viewport:  viewports[rng.IntN(len(viewports))],
		Timezone:  "America/Phoenix",
		Geolocation: Geolocation{
			Lat: phoenixMetro.Lat + (rng.Float64()*2-1)*geoJitterDegrees,
			Lon: phoenixMetro.Lon + (rng.Float64()*2-1)*geoJitterDegrees,
		},
		Language:   "en-US",
		AcceptLang: "en-US,en;q=0.9",
		rng:        rng,
	}
}

// HumanizedDelay returns a jittered duration in [min, max], with an
// additional exponentially distributed component (capped at 15s) layered
// on top to simulate inter-request pacing (spec §4.3).
func (p *Profile) HumanizedDelay(min, max time.Duration) time.Duration {
	if max < min {
		min, max = max, min
	}
	base := min
	if max > min {
		base += time.Duration(p.rng.Int64N(int64(max - min)))
	}
	expComponent := time.Duration(p.rng.ExpFloat64() * float64(time.Second))
	const cap15s = 15 * time.Second
	if expComponent > cap15s {
		expComponent = cap15s
	}
	return base + expComponent
}

// Point is a 2D screen coordinate.
type Point struct{ X, Y float64 }

// MoveStep is one interpolated point along a humanized mouse move, with the
// jitter to sleep before executing it.
type MoveStep struct {
	Point
	Jitter time.Duration
}

// HumanizedMove interpolates 3-5 steps from (0,0)-relative origin to a
// target box's center, each with 10-50ms jitter (spec §4.3).
func (p *Profile) HumanizedMove(origin Point, targetBox [4]float64) []MoveStep {
	targetX := (targetBox[0] + targetBox[2]) / 2
	targetY := (targetBox[1] + targetBox[3]) / 2

	steps := 3 + p.rng.IntN(3) // 3..5
	out := make([]MoveStep, steps)
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		// Slight ease-out curve so the final steps are smaller.
		eased := 1 - math.Pow(1-frac, 2)
		out[i-1] = MoveStep{
			Point: Point{
				X: origin.X + (targetX-origin.X)*eased,
				Y: origin.Y + (targetY-origin.Y)*eased,
			},
			Jitter: time.Duration(10+p.rng.IntN(41)) * time.Millisecond,
		}
	}
	return out
}

// TypeStep is a single keystroke with the delay to wait before sending it.
type TypeStep struct {
	Char  rune
	Delay time.Duration
}

// HumanizedType returns a per-character delay schedule of 50-150ms per
// character (spec §4.3).
func (p *Profile) HumanizedType(text string) []TypeStep {
	runes := []rune(text)
	out := make([]TypeStep, len(runes))
	for i, r := range runes {
		out[i] = TypeStep{
			Char:  r,
			Delay: time.Duration(50+p.rng.IntN(101)) * time.Millisecond,
		}
	}
	return out
}
