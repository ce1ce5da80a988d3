package hub

import (
	"context"

	"github.com/starlight-protocol/starlight-hub/internal/pagedriver"
)

// fakeDriver is a no-op PageDriver used across the hub package's tests, so
// New() can construct a real Hub without ever launching a browser.
type fakeDriver struct {
	clicked       []string
	executed      []string
	hiddenCalls   int
	hideCount     int
	a11y          *pagedriver.A11ySnapshot
	screenshotPNG []byte
}

func newFakeDriverFactory(d *fakeDriver) pagedriver.Factory {
	return func(ctx context.Context) (pagedriver.Driver, error) { return d, nil }
}

func (d *fakeDriver) Goto(ctx context.Context, url string) error { return nil }
func (d *fakeDriver) Execute(ctx context.Context, verb, selector, text, value, key string, files []string) error {
	d.executed = append(d.executed, selector)
	return nil
}
func (d *fakeDriver) ClickForced(ctx context.Context, selector string) error {
	d.clicked = append(d.clicked, selector)
	return nil
}
func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if d.screenshotPNG != nil {
		return d.screenshotPNG, nil
	}
	return []byte("png"), nil
}
func (d *fakeDriver) FindObstacles(ctx context.Context, selectors []string, maxShadowDepth int) ([]pagedriver.ObstacleCandidate, error) {
	return nil, nil
}
func (d *fakeDriver) TargetRect(ctx context.Context, selector string) (*pagedriver.Rect, bool, error) {
	return nil, false, nil
}
func (d *fakeDriver) QueryElements(ctx context.Context, q pagedriver.ElementQuery, maxShadowDepth int) ([]pagedriver.ElementMatch, error) {
	return nil, nil
}
func (d *fakeDriver) HideObstacles(ctx context.Context, maxShadowDepth int) (int, error) {
	d.hiddenCalls++
	return d.hideCount, nil
}
func (d *fakeDriver) PageText(ctx context.Context) (string, error) { return "", nil }
func (d *fakeDriver) A11ySnapshot(ctx context.Context) (*pagedriver.A11ySnapshot, error) {
	return d.a11y, nil
}
func (d *fakeDriver) Close(ctx context.Context) error { return nil }
