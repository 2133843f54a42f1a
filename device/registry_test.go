package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"

	"github.com/velos-ai/gpupool/pool"
)

type RegistryTestSuite struct {
	suite.Suite
	registry Registry
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.registry = NewRegistry(pool.FirstFit, tally.NoopScope)
	for _, cfg := range []Config{
		{ID: "gpu-0", MemoryBytes: 1000, Capabilities: []string{"training", "inference"}},
		{ID: "gpu-1", MemoryBytes: 2000, Capabilities: []string{"inference"}},
		{ID: "gpu-2", MemoryBytes: 500},
	} {
		suite.NoError(suite.registry.Register(cfg))
	}
}

func (suite *RegistryTestSuite) TestRegisterDuplicate() {
	err := suite.registry.Register(Config{ID: "gpu-0", MemoryBytes: 10})
	suite.True(errors.Is(err, ErrAlreadyRegistered))
}

func (suite *RegistryTestSuite) TestGetUnknown() {
	_, err := suite.registry.Get("gpu-9")
	suite.True(errors.Is(err, ErrNotFound))
}

func (suite *RegistryTestSuite) TestListOrder() {
	infos := suite.registry.List()
	suite.Len(infos, 3)
	suite.Equal("gpu-0", infos[0].ID)
	suite.Equal("gpu-1", infos[1].ID)
	suite.Equal("gpu-2", infos[2].ID)
}

func (suite *RegistryTestSuite) TestEligibleCapability() {
	eligible := suite.registry.Eligible(Requirement{Kind: "training", MemoryBytes: 100})
	// gpu-1 only does inference; gpu-2 has no capability list so runs
	// anything
	suite.Equal([]string{"gpu-0", "gpu-2"}, eligible)
}

func (suite *RegistryTestSuite) TestEligibleMemory() {
	eligible := suite.registry.Eligible(Requirement{MemoryBytes: 1500})
	suite.Equal([]string{"gpu-1"}, eligible)
}

func (suite *RegistryTestSuite) TestEligibleSkipsUnavailable() {
	suite.NoError(suite.registry.SetAvailable("gpu-0", false))
	eligible := suite.registry.Eligible(Requirement{MemoryBytes: 100})
	suite.Equal([]string{"gpu-1", "gpu-2"}, eligible)
}

func (suite *RegistryTestSuite) TestEligibleAccountsForFragmentation() {
	p, err := suite.registry.Pool("gpu-1")
	suite.NoError(err)
	// carve alternating used/free so total free is large but no single
	// block is
	for _, alloc := range []struct {
		id   string
		size uint64
	}{
		{"a", 500}, {"b", 100}, {"c", 500}, {"d", 100}, {"e", 500},
	} {
		_, err = p.Allocate(alloc.size, alloc.id)
		suite.NoError(err)
	}
	p.Free("a")
	p.Free("c")
	p.Free("e")
	// free 1800 in total, largest contiguous block 500

	eligible := suite.registry.Eligible(Requirement{MemoryBytes: 600})
	suite.NotContains(eligible, "gpu-1")
}

func (suite *RegistryTestSuite) TestSelectEmpty() {
	_, err := suite.registry.Select(LeastLoaded, nil, Requirement{})
	suite.True(errors.Is(err, ErrNoEligibleDevice))
}

func (suite *RegistryTestSuite) TestSelectRoundRobinCycles() {
	eligible := []string{"gpu-0", "gpu-1", "gpu-2"}
	seen := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := suite.registry.Select(RoundRobin, eligible, Requirement{})
		suite.NoError(err)
		seen = append(seen, id)
	}
	suite.Equal([]string{"gpu-0", "gpu-1", "gpu-2", "gpu-0"}, seen)
}

func (suite *RegistryTestSuite) TestSelectRoundRobinSurvivesEligibleSetChanges() {
	all := []string{"gpu-0", "gpu-1", "gpu-2"}

	id, err := suite.registry.Select(RoundRobin, all, Requirement{})
	suite.NoError(err)
	suite.Equal("gpu-0", id)

	// the eligible set shrinks; rotation still resumes after the last
	// pick in registration order
	id, err = suite.registry.Select(RoundRobin, []string{"gpu-2"}, Requirement{})
	suite.NoError(err)
	suite.Equal("gpu-2", id)

	// full set again: wrap past gpu-2 back to gpu-0
	id, err = suite.registry.Select(RoundRobin, all, Requirement{})
	suite.NoError(err)
	suite.Equal("gpu-0", id)

	id, err = suite.registry.Select(RoundRobin, []string{"gpu-1", "gpu-2"}, Requirement{})
	suite.NoError(err)
	suite.Equal("gpu-1", id)
}

func (suite *RegistryTestSuite) TestSelectRoundRobinSkipsNearFull() {
	p, err := suite.registry.Pool("gpu-0")
	suite.NoError(err)
	_, err = p.Allocate(950, "hog") // 95% of gpu-0
	suite.NoError(err)

	id, err := suite.registry.Select(
		RoundRobin, []string{"gpu-0", "gpu-1"}, Requirement{})
	suite.NoError(err)
	suite.Equal("gpu-1", id)
}

func (suite *RegistryTestSuite) TestSelectLeastLoaded() {
	suite.NoError(suite.registry.Refresh(Sample{DeviceID: "gpu-0", Utilization: 80}))
	suite.NoError(suite.registry.Refresh(Sample{DeviceID: "gpu-1", Utilization: 20}))
	suite.NoError(suite.registry.Refresh(Sample{DeviceID: "gpu-2", Utilization: 50}))

	id, err := suite.registry.Select(
		LeastLoaded, []string{"gpu-0", "gpu-1", "gpu-2"}, Requirement{})
	suite.NoError(err)
	suite.Equal("gpu-1", id)
}

func (suite *RegistryTestSuite) TestSelectBestFit() {
	// smallest free size that still fits 400: gpu-2 has 500
	id, err := suite.registry.Select(
		BestFit, []string{"gpu-0", "gpu-1", "gpu-2"},
		Requirement{MemoryBytes: 400})
	suite.NoError(err)
	suite.Equal("gpu-2", id)
}

func (suite *RegistryTestSuite) TestSelectPredictive() {
	// equal utilization: the device with the most free headroom wins
	p, err := suite.registry.Pool("gpu-1")
	suite.NoError(err)
	_, err = p.Allocate(1900, "hog")
	suite.NoError(err)

	id, err := suite.registry.Select(
		Predictive, []string{"gpu-0", "gpu-1"}, Requirement{})
	suite.NoError(err)
	suite.Equal("gpu-0", id)
}

func (suite *RegistryTestSuite) TestRefreshKeepsLedgerAuthoritative() {
	suite.NoError(suite.registry.Refresh(Sample{
		DeviceID:        "gpu-0",
		Utilization:     33,
		Temperature:     71,
		UsedMemoryBytes: 12345,
	}))
	info, err := suite.registry.Get("gpu-0")
	suite.NoError(err)
	suite.Equal(33.0, info.Utilization)
	suite.Equal(71.0, info.Temperature)
	// ledger unchanged by telemetry
	suite.Equal(uint64(0), info.UsedMemory)
}

func (suite *RegistryTestSuite) TestParseStrategy() {
	for _, name := range []string{
		"round_robin", "least_loaded", "best_fit", "predictive",
	} {
		s, err := ParseStrategy(name)
		suite.NoError(err)
		suite.Equal(name, s.String())
	}
	_, err := ParseStrategy("random")
	suite.Error(err)
}
