package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const livePage = `<!doctype html>
<html><body style="margin:0">
<button id="open" style="position:absolute;left:100px;top:120px;width:80px;height:30px"
  onclick="document.getElementById('form').style.display='block'">open</button>
<form id="form" style="display:none;position:absolute;left:300px;top:400px;width:200px;height:100px">
  <input id="name">
</form>
</body></html>`

var liveTours = tourTable{
	"live": {
		ID:       "live",
		Contexts: []domain.ContextTag{domain.ContextGlobal},
		Steps: []domain.TourStep{
			{ID: "open", Locator: "#open", Side: domain.SideBottom, Interaction: domain.InteractionClick},
			{ID: "name", Locator: "#name", Side: domain.SideRight, Interaction: domain.InteractionInput},
		},
	},
}

type tourTable map[string]domain.Tour

func (t tourTable) Tour(id string) (domain.Tour, bool) {
	tr, ok := t[id]
	return tr, ok
}

// TestLiveTour runs a tour against a real headless Chrome.
func TestLiveTour(t *testing.T) {
	if os.Getenv("GUIDEBOT_LIVE_BROWSER") == "" {
		t.Skip("Skipping live browser test (set GUIDEBOT_LIVE_BROWSER to enable)")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(livePage))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sess, err := Open(ctx, srv.URL, Options{
		DebuggerURL: os.Getenv("GUIDEBOT_DEBUGGER_URL"),
		Headless:    true,
		Width:       1024,
		Height:      768,
	})
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	seq := tour.NewSequencer(liveTours, tour.Config{PollInterval: 50 * time.Millisecond, PollTimeout: 3 * time.Second},
		tour.WithDriver(sess.Driver()))
	require.NoError(t, seq.Start(ctx, "live"))

	h, err := seq.Highlight(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100, h.Target.Left, 1)
	assert.InDelta(t, 1024, h.Viewport.Width, 1)

	outcome, err := seq.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, tour.OutcomeAdvanced, outcome)
	assert.Equal(t, 1, seq.State().StepIndex)

	outcome, err = seq.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, tour.OutcomeEnded, outcome)
}
