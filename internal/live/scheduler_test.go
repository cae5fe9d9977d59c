package live

import (
	"context"
	"math"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/audio/timeline"
)

const outRate = 24000

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue sums every data point of the named Int64 counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// interruptionAttr returns the had_audio attribute of the interruption
// counter's data point.
func interruptionAttr(t *testing.T, reader *sdkmetric.ManualReader) string {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxlink.scheduler.interruptions" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("had_audio")); ok {
					return v.AsString()
				}
			}
		}
	}
	return ""
}

// seconds returns s seconds of silence at outRate.
func seconds(s float64) []int16 {
	return make([]int16, int(math.Round(s*outRate)))
}

func newTestScheduler(t *testing.T, out *mock.Output) *Scheduler {
	t.Helper()
	m, _ := testMetrics(t)
	s := NewScheduler(out, m)
	t.Cleanup(s.Close)
	return s
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(outRate)
	out.SetNow(10 * time.Second)
	s := newTestScheduler(t, out)

	u1, err := s.Schedule(seconds(0.5))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	u2, err := s.Schedule(seconds(0.3))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if u1.Start != 10*time.Second {
		t.Errorf("unit1 start = %v, want 10s", u1.Start)
	}
	if u2.Start != 10500*time.Millisecond {
		t.Errorf("unit2 start = %v, want 10.5s", u2.Start)
	}
	if u2.End() != 10800*time.Millisecond {
		t.Errorf("occupied window ends at %v, want 10.8s", u2.End())
	}

	plays := out.Plays()
	if len(plays) != 2 || plays[0].At != u1.Start || plays[1].At != u2.Start {
		t.Errorf("device plays = %+v", plays)
	}
	if st := s.State(); len(st.Active) != 2 || st.NextStart != 10800*time.Millisecond {
		t.Errorf("state = %+v", st)
	}
}

func TestScheduler_Gapless(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(outRate)
	out.SetNow(3 * time.Second)
	s := newTestScheduler(t, out)

	durations := []float64{0.12, 0.04, 0.5, 0.25, 0.001}
	var prev Unit
	for i, d := range durations {
		// Jitter between arrivals must not open gaps while audio is queued.
		out.SetNow(3*time.Second + time.Duration(i)*10*time.Millisecond)
		u, err := s.Schedule(seconds(d))
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if i == 0 {
			if u.Start < 3*time.Second {
				t.Errorf("first start %v before clock at arrival", u.Start)
			}
		} else if u.Start != prev.End() {
			t.Errorf("unit %d start = %v, want %v", i, u.Start, prev.End())
		}
		prev = u
	}
}

func TestScheduler_NeverInThePast(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(outRate)
	out.SetNow(time.Second)
	s := newTestScheduler(t, out)

	if _, err := s.Schedule(seconds(0.1)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// The clock overtakes the queue: the next unit starts now.
	out.SetNow(5 * time.Second)
	u, err := s.Schedule(seconds(0.1))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if u.Start != 5*time.Second {
		t.Errorf("start = %v, want 5s", u.Start)
	}
}

func TestScheduler_Interrupt(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(outRate)
	out.SetNow(10 * time.Second)
	m, reader := testMetrics(t)
	s := NewScheduler(out, m)
	defer s.Close()

	if _, err := s.Schedule(seconds(0.5)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := s.Schedule(seconds(0.3)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	out.SetNow(10200 * time.Millisecond)
	if n := s.Interrupt(); n != 2 {
		t.Errorf("Interrupt stopped %d units, want 2", n)
	}
	for i, p := range out.Plays() {
		if !p.Stopped() {
			t.Errorf("unit %d still playing after interruption", i)
		}
	}
	st := s.State()
	if len(st.Active) != 0 {
		t.Errorf("active set = %v, want empty", st.Active)
	}
	if st.NextStart != 10200*time.Millisecond {
		t.Errorf("next start = %v, want 10.2s", st.NextStart)
	}

	// A stopped unit never reports completion.
	out.End(0)
	if p := out.Plays()[0]; p.Ended() {
		t.Error("stopped unit ended naturally")
	}

	out.SetNow(10250 * time.Millisecond)
	u, err := s.Schedule(seconds(0.2))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if u.Start != 10250*time.Millisecond {
		t.Errorf("post-interruption start = %v, want 10.25s", u.Start)
	}

	if got := counterValue(t, reader, "voxlink.scheduler.interruptions"); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}
	if got := interruptionAttr(t, reader); got != "true" {
		t.Errorf("had_audio = %q, want true", got)
	}
	if got := counterValue(t, reader, "voxlink.scheduler.units_scheduled"); got != 3 {
		t.Errorf("units scheduled = %d, want 3", got)
	}
}

func TestScheduler_NaturalEndRemovesOnce(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(outRate)
	s := newTestScheduler(t, out)

	u1, _ := s.Schedule(seconds(0.1))
	u2, _ := s.Schedule(seconds(0.1))

	out.End(0)
	st := s.State()
	if len(st.Active) != 1 || st.Active[0].ID != u2.ID {
		t.Fatalf("active after first end = %+v, want only unit %d", st.Active, u2.ID)
	}

	// A duplicate completion report is ignored.
	s.ended(u1.ID)
	if st := s.State(); len(st.Active) != 1 {
		t.Errorf("duplicate completion changed the active set: %+v", st.Active)
	}

	out.End(1)
	if st := s.State(); len(st.Active) != 0 {
		t.Errorf("active after both ended = %+v", st.Active)
	}
}

func TestScheduler_IgnoresEmptyAndClosed(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(outRate)
	m, _ := testMetrics(t)
	s := NewScheduler(out, m)

	if u, err := s.Schedule(nil); err != nil || u.ID != 0 {
		t.Errorf("Schedule(nil) = %+v, %v", u, err)
	}
	if len(out.Plays()) != 0 {
		t.Error("empty buffer reached the device")
	}

	if _, err := s.Schedule(seconds(0.1)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Close()
	s.Close()
	if !out.Plays()[0].Stopped() {
		t.Error("Close left a voice playing")
	}
	if _, err := s.Schedule(seconds(0.1)); err != ErrSchedulerClosed {
		t.Errorf("Schedule after Close = %v, want ErrSchedulerClosed", err)
	}
	if n := s.Interrupt(); n != 0 {
		t.Errorf("Interrupt after Close = %d", n)
	}
}

// TestScheduler_TimelineRendersGapless drives a real sample clock: two units
// must render back to back with no silence between them.
func TestScheduler_TimelineRendersGapless(t *testing.T) {
	t.Parallel()

	tl := timeline.New(outRate)
	m, _ := testMetrics(t)
	s := NewScheduler(tl, m)
	defer s.Close()

	a := make([]int16, 240)
	b := make([]int16, 240)
	for i := range a {
		a[i] = 100
		b[i] = 200
	}
	if _, err := s.Schedule(a); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := s.Schedule(b); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	buf := make([]int16, 500)
	tl.Render(buf)
	for i := range 240 {
		if buf[i] != 100 || buf[240+i] != 200 {
			t.Fatalf("sample %d: got %d/%d, want 100/200", i, buf[i], buf[240+i])
		}
	}
	for i := 480; i < 500; i++ {
		if buf[i] != 0 {
			t.Fatalf("sample %d = %d after both units, want silence", i, buf[i])
		}
	}
	if st := s.State(); len(st.Active) != 0 {
		t.Errorf("active after render = %+v", st.Active)
	}
}
