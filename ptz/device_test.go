package ptz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records commands and moves its reported position toward the
// last absolute goal by step on every Status call.
type fakeTransport struct {
	mu         sync.Mutex
	pos        Position
	goal       *Position
	step       float64
	stuck      bool
	velocities []Velocity
	absolutes  []Position
	stops      int
	statusErr  error
	moveErr    error
}

func (f *fakeTransport) ContinuousMove(_ context.Context, v Velocity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.velocities = append(f.velocities, v)
	return nil
}

func (f *fakeTransport) AbsoluteMove(_ context.Context, p Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.absolutes = append(f.absolutes, p)
	f.goal = &p
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func approach(cur, goal, step float64) float64 {
	switch {
	case cur < goal-step:
		return cur + step
	case cur > goal+step:
		return cur - step
	default:
		return goal
	}
}

func (f *fakeTransport) Status(context.Context) (Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return Position{}, f.statusErr
	}
	if f.goal != nil && !f.stuck {
		step := f.step
		if step == 0 {
			step = 1
		}
		f.pos.Pan = approach(f.pos.Pan, f.goal.Pan, step)
		f.pos.Tilt = approach(f.pos.Tilt, f.goal.Tilt, step)
		f.pos.Zoom = approach(f.pos.Zoom, f.goal.Zoom, step)
	}
	return f.pos, nil
}

func newTestDevice(t *fakeTransport) *Device {
	d := NewDevice(t, DefaultLimits())
	d.SetPollInterval(time.Millisecond)
	return d
}

func TestSnapToZero(t *testing.T) {
	assert.Equal(t, 0.0, SnapToZero(0.0009))
	assert.Equal(t, 0.0, SnapToZero(-0.0009))
	assert.Equal(t, 0.001, SnapToZero(0.001))
	assert.Equal(t, -0.001, SnapToZero(-0.001))
	assert.Equal(t, 0.5, SnapToZero(0.5))
}

func TestMoveWithZoomClampsAndSnaps(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDevice(ft)

	require.NoError(t, d.MoveWithZoom(context.Background(), 1.7, -0.0004, 0.002))
	require.NoError(t, d.Move(context.Background(), -3, 0.25))

	require.Len(t, ft.velocities, 2)
	assert.Equal(t, Velocity{Pan: 1, Tilt: 0, Zoom: 0.002}, ft.velocities[0])
	assert.Equal(t, Velocity{Pan: -1, Tilt: 0.25, Zoom: 0}, ft.velocities[1])
	assert.Equal(t, MOVING, d.State())
}

func TestMoveWithZoomAllZeroIsIdle(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDevice(ft)

	require.NoError(t, d.MoveWithZoom(context.Background(), 0.0001, 0, -0.0002))
	assert.Equal(t, Velocity{}, ft.velocities[0])
	assert.Equal(t, IDLE, d.State())
}

func TestAbsoluteMoveKeepsZoom(t *testing.T) {
	ft := &fakeTransport{pos: Position{Pan: 0.1, Tilt: 0.2, Zoom: 0.4}}
	d := newTestDevice(ft)

	require.NoError(t, d.AbsoluteMove(context.Background(), 0.5, 2))
	require.Len(t, ft.absolutes, 1)
	assert.Equal(t, Position{Pan: 0.5, Tilt: 1, Zoom: 0.4}, ft.absolutes[0])
}

func TestAbsoluteMoveWithZoomClampsToLimits(t *testing.T) {
	ft := &fakeTransport{}
	d := NewDevice(ft, Limits{
		SoftMinPan: -0.5, SoftMaxPan: 0.5,
		SoftMinTilt: -1, SoftMaxTilt: 1,
		SoftMinZoom: 0, SoftMaxZoom: 0.8,
		HardMinPan: -1, HardMaxPan: 1,
		HardMinTilt: -1, HardMaxTilt: 1,
		HardMinZoom: 0, HardMaxZoom: 1,
	})

	require.NoError(t, d.AbsoluteMoveWithZoom(context.Background(), 0.9, 0.0005, 1.5))
	assert.Equal(t, Position{Pan: 0.5, Tilt: 0, Zoom: 0.8}, ft.absolutes[0])
}

func TestZoomShortcuts(t *testing.T) {
	ft := &fakeTransport{pos: Position{Pan: -0.3, Tilt: 0.6, Zoom: 0.5}}
	d := newTestDevice(ft)

	require.NoError(t, d.ZoomInFull(context.Background()))
	require.NoError(t, d.ZoomOutFull(context.Background()))

	require.Len(t, ft.absolutes, 2)
	assert.Equal(t, 1.0, ft.absolutes[0].Zoom)
	assert.Equal(t, 0.0, ft.absolutes[1].Zoom)
	assert.Equal(t, -0.3, ft.absolutes[1].Pan)
}

func TestAbsoluteMoveAndWaitConverges(t *testing.T) {
	ft := &fakeTransport{step: 0.1}
	d := newTestDevice(ft)

	goal := Position{Pan: 0.5, Tilt: -0.3, Zoom: 0.2}
	require.NoError(t, d.AbsoluteMoveAndWait(context.Background(), goal, 0.01))

	pos, err := d.GetPosition(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, goal.Pan, pos.Pan, 0.01)
	assert.InDelta(t, goal.Tilt, pos.Tilt, 0.01)
	assert.Equal(t, IDLE, d.State())
}

// The unbounded wait never returns on its own for a stuck camera; only
// cancelling the context releases it.
func TestAbsoluteMoveAndWaitBlocksUntilCancelled(t *testing.T) {
	ft := &fakeTransport{stuck: true}
	d := newTestDevice(ft)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.AbsoluteMoveAndWait(ctx, Position{Pan: 0.5}, 0.01)
	}()

	select {
	case err := <-done:
		t.Fatalf("wait returned before cancellation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancellation")
	}
}

func TestAbsoluteMoveAndWaitTimeout(t *testing.T) {
	ft := &fakeTransport{stuck: true}
	d := newTestDevice(ft)

	err := d.AbsoluteMoveAndWaitTimeout(context.Background(), Position{Pan: 0.5}, 0.01, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrConvergenceTimeout)
}

func TestAbsoluteMoveAndWaitTimeoutConverges(t *testing.T) {
	ft := &fakeTransport{step: 1}
	d := newTestDevice(ft)

	err := d.AbsoluteMoveAndWaitTimeout(context.Background(), Position{Pan: 0.5, Zoom: 0.5}, 0.01, time.Second)
	assert.NoError(t, err)
}

func TestTransportErrorsPropagate(t *testing.T) {
	boom := errors.New("connection refused")
	ft := &fakeTransport{moveErr: boom, statusErr: boom}
	d := newTestDevice(ft)

	assert.ErrorIs(t, d.MoveWithZoom(context.Background(), 0.5, 0, 0), boom)
	assert.ErrorIs(t, d.AbsoluteMoveWithZoom(context.Background(), 0, 0, 0), boom)
	_, err := d.GetPosition(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, d.AbsoluteMove(context.Background(), 0, 0), boom)
}

func TestStop(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDevice(ft)

	require.NoError(t, d.Move(context.Background(), 0.5, 0.5))
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 1, ft.stops)
	assert.Equal(t, IDLE, d.State())
}

func TestImagingUnsupported(t *testing.T) {
	d := newTestDevice(&fakeTransport{})

	assert.ErrorIs(t, d.SetExposureAuto(context.Background()), ErrUnsupported)
	assert.ErrorIs(t, d.FocusIn(context.Background(), 0.5), ErrUnsupported)
	_, err := d.Exposure(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}

type fakeImager struct {
	fakeTransport
	settings   ImagingSettings
	focusSpeed []float64
	focusStops int
}

func (f *fakeImager) ImagingSettings(context.Context) (ImagingSettings, error) {
	return f.settings, nil
}

func (f *fakeImager) SetImagingSettings(_ context.Context, s ImagingSettings) error {
	f.settings = s
	return nil
}

func (f *fakeImager) FocusMove(_ context.Context, speed float64) error {
	f.focusSpeed = append(f.focusSpeed, speed)
	return nil
}

func (f *fakeImager) FocusStop(context.Context) error {
	f.focusStops++
	return nil
}

func TestImagingThroughDevice(t *testing.T) {
	fi := &fakeImager{settings: ImagingSettings{ExposureMode: ExposureAuto, FocusMode: FocusAuto}}
	d := NewDevice(fi, DefaultLimits())
	ctx := context.Background()

	require.NoError(t, d.SetExposureManual(ctx, 0.01, 3, 2))
	assert.Equal(t, ImagingSettings{
		ExposureMode: ExposureManual, ExposureTime: 0.01, Gain: 3, Iris: 2, FocusMode: FocusAuto,
	}, fi.settings)

	require.NoError(t, d.SetFocusManual(ctx))
	assert.Equal(t, FocusManual, fi.settings.FocusMode)

	require.NoError(t, d.FocusIn(ctx, 0.4))
	require.NoError(t, d.FocusOut(ctx, 0.4))
	require.NoError(t, d.FocusStop(ctx))
	assert.Equal(t, []float64{-0.4, 0.4}, fi.focusSpeed)
	assert.Equal(t, 1, fi.focusStops)

	require.NoError(t, d.SetExposureAuto(ctx))
	require.NoError(t, d.SetFocusAuto(ctx))
	s, err := d.Exposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExposureAuto, s.ExposureMode)
	assert.Equal(t, FocusAuto, s.FocusMode)
}
