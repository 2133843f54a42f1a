package monitor

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"

	"github.com/velos-ai/gpupool/device"
	"github.com/velos-ai/gpupool/pool"
)

type fakeEvictor struct {
	evicted   []string
	dispatch  int
	cancelled int
	freed     uint64
}

func (f *fakeEvictor) EvictLowestPriorityTier(deviceID string) (int, uint64) {
	f.evicted = append(f.evicted, deviceID)
	return f.cancelled, f.freed
}

func (f *fakeEvictor) TriggerDispatch() {
	f.dispatch++
}

type fakeTelemetry struct {
	samples []device.Sample
	err     error
}

func (f *fakeTelemetry) Poll() ([]device.Sample, error) {
	return f.samples, f.err
}

type MonitorTestSuite struct {
	suite.Suite
	registry  device.Registry
	evictor   *fakeEvictor
	telemetry *fakeTelemetry
	monitor   *Monitor
}

func TestMonitor(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func (suite *MonitorTestSuite) SetupTest() {
	suite.registry = device.NewRegistry(pool.FirstFit, tally.NoopScope)
	suite.NoError(suite.registry.Register(device.Config{
		ID: "gpu-0", MemoryBytes: 1000,
	}))
	suite.evictor = &fakeEvictor{cancelled: 1, freed: 100}
	suite.telemetry = &fakeTelemetry{}
	suite.monitor = New(
		Config{
			Thresholds: Thresholds{
				Warning:   0.70,
				Critical:  0.85,
				Emergency: 0.95,
			},
			CompactionThreshold: 0.3,
		},
		suite.registry,
		suite.telemetry,
		suite.evictor,
		tally.NoopScope,
	)
}

func (suite *MonitorTestSuite) allocate(size uint64, id string) {
	p, err := suite.registry.Pool("gpu-0")
	suite.NoError(err)
	_, err = p.Allocate(size, id)
	suite.NoError(err)
}

func (suite *MonitorTestSuite) TestBelowThresholdsDoesNothing() {
	suite.allocate(500, "t1")
	suite.NoError(suite.monitor.RunOnce())
	suite.Empty(suite.evictor.evicted)
	suite.Zero(suite.evictor.dispatch)
}

func (suite *MonitorTestSuite) TestEmergencyEvicts() {
	suite.allocate(960, "t1") // 96%
	suite.NoError(suite.monitor.RunOnce())
	suite.Equal([]string{"gpu-0"}, suite.evictor.evicted)
	suite.Equal(1, suite.evictor.dispatch)
}

func (suite *MonitorTestSuite) TestEmergencyWithoutVictimsSkipsDispatch() {
	suite.allocate(960, "t1")
	suite.evictor.cancelled = 0
	suite.NoError(suite.monitor.RunOnce())
	suite.Equal([]string{"gpu-0"}, suite.evictor.evicted)
	suite.Zero(suite.evictor.dispatch)
}

func (suite *MonitorTestSuite) TestCriticalDoesNotEvict() {
	suite.allocate(900, "t1") // 90%
	suite.NoError(suite.monitor.RunOnce())
	suite.Empty(suite.evictor.evicted)
}

func (suite *MonitorTestSuite) TestUnavailableDeviceSkipped() {
	suite.allocate(960, "t1")
	suite.NoError(suite.registry.SetAvailable("gpu-0", false))
	suite.NoError(suite.monitor.RunOnce())
	suite.Empty(suite.evictor.evicted)
}

func (suite *MonitorTestSuite) TestTelemetryRefreshApplied() {
	suite.telemetry.samples = []device.Sample{
		{DeviceID: "gpu-0", Utilization: 55, Temperature: 80},
	}
	suite.NoError(suite.monitor.RunOnce())
	info, err := suite.registry.Get("gpu-0")
	suite.NoError(err)
	suite.Equal(55.0, info.Utilization)
	suite.Equal(80.0, info.Temperature)
}

func (suite *MonitorTestSuite) TestTelemetryErrorsSurfaceButPassContinues() {
	suite.telemetry.err = errors.New("nvml timeout")
	suite.allocate(960, "t1")
	err := suite.monitor.RunOnce()
	suite.Error(err)
	// the threshold walk still ran
	suite.Equal([]string{"gpu-0"}, suite.evictor.evicted)
}

func (suite *MonitorTestSuite) TestFragmentationTriggersCompaction() {
	p, err := suite.registry.Pool("gpu-0")
	suite.NoError(err)
	// alternate used/free so largestFree/totalFree < 0.7
	for _, alloc := range []struct {
		id   string
		size uint64
	}{
		{"a", 200}, {"b", 100}, {"c", 200}, {"d", 100}, {"e", 200},
	} {
		_, err = p.Allocate(alloc.size, alloc.id)
		suite.NoError(err)
	}
	p.Free("a")
	p.Free("c")
	// free fragments: 200, 200, 200 (tail) -> ratio 1 - 200/600 > 0.3
	suite.Greater(p.FragmentationRatio(), 0.3)

	suite.NoError(suite.monitor.RunOnce())

	frags := p.Fragments()
	for i := 1; i < len(frags); i++ {
		suite.False(frags[i-1].Free && frags[i].Free)
	}
}
