package fingerprint

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile_NeverRepeatsPrevious(t *testing.T) {
	p := NewSeededProfile(Config{
		UserAgents: []string{"ua-a", "ua-b"},
		Viewports:  []Viewport{{Width: 1280, Height: 720}},
	}, 1, 2)

	prev := p.Next()
	for i := 0; i < 200; i++ {
		fp := p.Next()
		assert.NotEqual(t, prev.identity(), fp.identity(), "draw %d", i)
		prev = fp
	}
}

func TestProfile_SingleIdentityPoolRepeats(t *testing.T) {
	p := NewSeededProfile(Config{
		UserAgents: []string{"only"},
		Viewports:  []Viewport{{Width: 800, Height: 600}},
	}, 3, 4)

	a, b := p.Next(), p.Next()
	assert.Equal(t, a.identity(), b.identity())
}

func TestProfile_DrawsFromPools(t *testing.T) {
	cfg := Config{
		UserAgents: []string{"ua-1", "ua-2", "ua-3"},
		Languages:  []string{"en-US", "fr-FR"},
		Viewports:  []Viewport{{Width: 1920, Height: 1080}, {Width: 1366, Height: 768}},
		MinJitter:  100 * time.Millisecond,
		MaxJitter:  300 * time.Millisecond,
	}
	p := NewSeededProfile(cfg, 5, 6)

	seenUA := map[string]bool{}
	for i := 0; i < 300; i++ {
		fp := p.Next()
		assert.Contains(t, cfg.UserAgents, fp.UserAgent)
		assert.Contains(t, cfg.Languages, fp.AcceptLanguage)
		assert.Contains(t, cfg.Viewports, fp.Viewport)
		assert.GreaterOrEqual(t, fp.Jitter, cfg.MinJitter)
		assert.LessOrEqual(t, fp.Jitter, cfg.MaxJitter)
		seenUA[fp.UserAgent] = true
	}
	assert.Len(t, seenUA, 3)
}

func TestProfile_SeededIsDeterministic(t *testing.T) {
	a := NewSeededProfile(DefaultConfig(), 7, 8)
	b := NewSeededProfile(DefaultConfig(), 7, 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestProfile_PointerPathInsideViewport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PointerSteps = 20
	p := NewSeededProfile(cfg, 9, 10)

	fp := p.Next()
	require.Len(t, fp.PointerPath, 20)
	for _, pt := range fp.PointerPath {
		assert.GreaterOrEqual(t, pt.X, 0)
		assert.Less(t, pt.X, fp.Viewport.Width)
		assert.GreaterOrEqual(t, pt.Y, 0)
		assert.Less(t, pt.Y, fp.Viewport.Height)
	}
}

func TestProfile_FixedJitter(t *testing.T) {
	p := NewSeededProfile(Config{MinJitter: time.Second, MaxJitter: time.Second}, 1, 1)
	assert.Equal(t, time.Second, p.Next().Jitter)
}

func TestFingerprint_Apply(t *testing.T) {
	req := httptest.NewRequest("GET", "https://example.com/listing/1", nil)
	Fingerprint{UserAgent: "ua-x", AcceptLanguage: "en-GB"}.Apply(req)

	assert.Equal(t, "ua-x", req.Header.Get("User-Agent"))
	assert.Equal(t, "en-GB", req.Header.Get("Accept-Language"))
	assert.NotEmpty(t, req.Header.Get("Accept"))

	req.Header.Set("Accept", "application/json")
	Fingerprint{}.Apply(req)
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
}
