package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDriver answers Has from a fixed set; every other call is unused here.
type stubDriver struct {
	Driver
	present map[string]bool
	err     error
	asked   []string
}

func (s *stubDriver) Has(ctx context.Context, selector string) (bool, error) {
	s.asked = append(s.asked, selector)
	if s.err != nil {
		return false, s.err
	}
	return s.present[selector], nil
}

func TestFirstPresent(t *testing.T) {
	d := &stubDriver{present: map[string]bool{"#Password": true, "input[type='password']": true}}

	sel, err := FirstPresent(context.Background(), d, []string{"input[name='Password']", "#Password", "input[type='password']"})
	require.NoError(t, err)
	assert.Equal(t, "#Password", sel)
	assert.Equal(t, []string{"input[name='Password']", "#Password"}, d.asked)
}

func TestFirstPresent_NoneMatch(t *testing.T) {
	d := &stubDriver{}

	_, err := FirstPresent(context.Background(), d, []string{".captcha", "#challenge"})
	require.ErrorIs(t, err, ErrElementNotFound)

	ok, err := AnyPresent(context.Background(), d, []string{".captcha"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnyPresent_PropagatesDriverErrors(t *testing.T) {
	boom := errors.New("target closed")
	d := &stubDriver{err: boom}

	ok, err := AnyPresent(context.Background(), d, []string{"#challenge"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(context.Background(), "click", nil))

	err := classify(context.Background(), "navigate", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	assert.EqualError(t, err, "navigate: net::ERR_NAME_NOT_RESOLVED")
	assert.NotErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	err = classify(ctx, "box", errors.New("context deadline exceeded"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBoxCenter(t *testing.T) {
	x, y := Box{X: 10, Y: 20, Width: 40, Height: 30}.Center()
	assert.Equal(t, 30.0, x)
	assert.Equal(t, 35.0, y)
}

func TestInvocation(t *testing.T) {
	expr, err := invocation(attributeJS, "#challenge img", "src")
	require.NoError(t, err)
	assert.Contains(t, expr, `)("#challenge img", "src")`)
	assert.True(t, expr[0] == '(')

	_, err = invocation(hasJS, make(chan int))
	assert.Error(t, err)
}

func TestAsFunction(t *testing.T) {
	assert.Equal(t, "() => 1", asFunction("  () => 1 "))
	assert.Equal(t, "function () { return 1 }", asFunction("function () { return 1 }"))
	assert.Equal(t, "() => {\nwindow.x = 1;\n}", asFunction("window.x = 1;"))
}

func TestLaunch_UnknownBackend(t *testing.T) {
	_, err := Launch("selenium", LaunchOptions{}, logrus.New())
	assert.EqualError(t, err, `unknown browser backend "selenium"`)
}
