// Package fingerprint rotates browser identities (user agent, language,
// viewport, timing jitter and pointer movement) between requests.
package fingerprint

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int `mapstructure:"width" json:"width"`
	Height int `mapstructure:"height" json:"height"`
}

// Point is one step of a simulated pointer path.
type Point struct {
	X, Y int
}

// Fingerprint is the identity used for a single request.
type Fingerprint struct {
	UserAgent      string
	AcceptLanguage string
	Viewport       Viewport
	Jitter         time.Duration
	PointerPath    []Point
}

// identity is what must change between consecutive fingerprints.
func (f Fingerprint) identity() string {
	return f.UserAgent + "|" + strconv.Itoa(f.Viewport.Width) + "x" + strconv.Itoa(f.Viewport.Height)
}

// Apply sets the fingerprint's request headers.
func (f Fingerprint) Apply(req *http.Request) {
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if f.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", f.AcceptLanguage)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7")
	}
}

// Config holds the pools fingerprints are drawn from. Empty pools fall back
// to the defaults.
type Config struct {
	UserAgents   []string      `mapstructure:"user_agents"`
	Languages    []string      `mapstructure:"languages"`
	Viewports    []Viewport    `mapstructure:"viewports"`
	MinJitter    time.Duration `mapstructure:"min_jitter"`
	MaxJitter    time.Duration `mapstructure:"max_jitter"`
	PointerSteps int           `mapstructure:"pointer_steps"`
}

// DefaultConfig returns realistic desktop pools.
func DefaultConfig() Config {
	return Config{
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		},
		Languages: []string{"en-US,en;q=0.9", "en-US,en;q=0.8", "en-GB,en;q=0.9,en-US;q=0.8"},
		Viewports: []Viewport{
			{Width: 1920, Height: 1080},
			{Width: 1536, Height: 864},
			{Width: 1440, Height: 900},
			{Width: 1366, Height: 768},
			{Width: 2560, Height: 1440},
		},
		MinJitter:    400 * time.Millisecond,
		MaxJitter:    1800 * time.Millisecond,
		PointerSteps: 12,
	}
}

// Profile draws fingerprints uniformly from its pools and never hands out
// the same user agent and viewport twice in a row when an alternative exists.
type Profile struct {
	cfg Config

	mu   sync.Mutex
	rng  *rand.Rand
	prev string
}

// NewProfile creates a profile seeded from the runtime's random source.
func NewProfile(cfg Config) *Profile {
	return NewSeededProfile(cfg, rand.Uint64(), rand.Uint64())
}

// NewSeededProfile creates a deterministic profile for tests.
func NewSeededProfile(cfg Config, seed1, seed2 uint64) *Profile {
	def := DefaultConfig()
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = def.UserAgents
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = def.Languages
	}
	if len(cfg.Viewports) == 0 {
		cfg.Viewports = def.Viewports
	}
	if cfg.MinJitter < 0 {
		cfg.MinJitter = 0
	}
	if cfg.MaxJitter < cfg.MinJitter {
		cfg.MaxJitter = cfg.MinJitter
	}
	if cfg.PointerSteps < 0 {
		cfg.PointerSteps = 0
	}
	return &Profile{cfg: cfg, rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Next returns a fresh fingerprint.
func (p *Profile) Next() Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()

	alternatives := len(p.cfg.UserAgents)*len(p.cfg.Viewports) > 1

	var fp Fingerprint
	for {
		fp = Fingerprint{
			UserAgent:      p.cfg.UserAgents[p.rng.IntN(len(p.cfg.UserAgents))],
			AcceptLanguage: p.cfg.Languages[p.rng.IntN(len(p.cfg.Languages))],
			Viewport:       p.cfg.Viewports[p.rng.IntN(len(p.cfg.Viewports))],
		}
		if !alternatives || fp.identity() != p.prev {
			break
		}
	}
	p.prev = fp.identity()

	fp.Jitter = p.jitter()
	fp.PointerPath = p.pointerPath(fp.Viewport)
	return fp
}

func (p *Profile) jitter() time.Duration {
	span := p.cfg.MaxJitter - p.cfg.MinJitter
	if span <= 0 {
		return p.cfg.MinJitter
	}
	return p.cfg.MinJitter + time.Duration(p.rng.Int64N(int64(span)+1))
}

// pointerPath walks from a random start to a random end inside the viewport
// with small perpendicular wobble.
func (p *Profile) pointerPath(vp Viewport) []Point {
	n := p.cfg.PointerSteps
	if n == 0 || vp.Width <= 0 || vp.Height <= 0 {
		return nil
	}
	x0, y0 := p.rng.IntN(vp.Width), p.rng.IntN(vp.Height)
	x1, y1 := p.rng.IntN(vp.Width), p.rng.IntN(vp.Height)

	path := make([]Point, n)
	for i := range n {
		t := float64(i+1) / float64(n)
		wobble := p.rng.IntN(7) - 3
		path[i] = Point{
			X: clamp(x0+int(float64(x1-x0)*t)+wobble, 0, vp.Width-1),
			Y: clamp(y0+int(float64(y1-y0)*t)-wobble, 0, vp.Height-1),
		}
	}
	return path
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
