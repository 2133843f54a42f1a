package pool

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
)

type PoolTestSuite struct {
	suite.Suite
}

func TestPool(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (suite *PoolTestSuite) newPool(total uint64, strategy FitStrategy) Pool {
	return NewPool("gpu-0", total, strategy, tally.NoopScope)
}

// checkPartition asserts the fragments partition [0, totalSize) exactly.
func (suite *PoolTestSuite) checkPartition(p Pool) {
	var next, sum uint64
	for _, f := range p.Fragments() {
		suite.Equal(next, f.Offset)
		next = f.Offset + f.Size
		sum += f.Size
	}
	suite.Equal(p.TotalSize(), next)
	suite.Equal(p.TotalSize(), sum)
	suite.Equal(p.TotalSize(), p.AllocatedSize()+p.FreeSize())
}

func (suite *PoolTestSuite) TestInitialState() {
	p := suite.newPool(1024, FirstFit)
	suite.Equal(uint64(1024), p.FreeSize())
	suite.Equal(uint64(0), p.AllocatedSize())
	suite.Len(p.Fragments(), 1)
	suite.checkPartition(p)
}

func (suite *PoolTestSuite) TestAllocateSplitsCandidate() {
	p := suite.newPool(1024, FirstFit)
	frag, err := p.Allocate(100, "t1")
	suite.NoError(err)
	suite.Equal(uint64(0), frag.Offset)
	suite.Equal(uint64(100), frag.Size)
	suite.Equal("t1", frag.Owner)

	frags := p.Fragments()
	suite.Len(frags, 2)
	suite.False(frags[0].Free)
	suite.True(frags[1].Free)
	suite.Equal(uint64(100), frags[1].Offset)
	suite.Equal(uint64(924), frags[1].Size)
	suite.checkPartition(p)
}

func (suite *PoolTestSuite) TestExactFitDoesNotSplit() {
	p := suite.newPool(256, FirstFit)
	_, err := p.Allocate(256, "t1")
	suite.NoError(err)
	suite.Len(p.Fragments(), 1)
	suite.Equal(uint64(0), p.FreeSize())
	suite.checkPartition(p)
}

func (suite *PoolTestSuite) TestAllocateFreeRoundTrip() {
	p := suite.newPool(1024, BestFit)
	before := p.FreeSize()
	_, err := p.Allocate(300, "t1")
	suite.NoError(err)
	p.Free("t1")
	suite.Equal(before, p.FreeSize())
	suite.Equal(uint64(0), p.AllocatedSize())
	suite.checkPartition(p)
}

// freeFragments carves the pool so that the free fragments have sizes
// 50, 200 and 120 in offset order, with used separators in between.
func (suite *PoolTestSuite) fitScenario(strategy FitStrategy) Pool {
	// layout: free(50) used(10) free(200) used(10) free(120)
	p := suite.newPool(390, strategy)
	for _, alloc := range []struct {
		id   string
		size uint64
	}{
		{"a", 50}, {"s1", 10}, {"b", 200}, {"s2", 10}, {"c", 120},
	} {
		_, err := p.Allocate(alloc.size, alloc.id)
		suite.NoError(err)
	}
	p.Free("a")
	p.Free("b")
	p.Free("c")
	suite.checkPartition(p)
	return p
}

func (suite *PoolTestSuite) TestBestFitPicksSmallestSufficient() {
	p := suite.fitScenario(BestFit)
	frag, err := p.Allocate(100, "t")
	suite.NoError(err)
	// the 120-byte fragment at offset 270
	suite.Equal(uint64(270), frag.Offset)
}

func (suite *PoolTestSuite) TestFirstFitPicksFirstSufficient() {
	p := suite.fitScenario(FirstFit)
	frag, err := p.Allocate(100, "t")
	suite.NoError(err)
	// the 50-byte fragment cannot hold 100; the 200-byte one at 60 can
	suite.Equal(uint64(60), frag.Offset)
}

func (suite *PoolTestSuite) TestWorstFitPicksLargest() {
	p := suite.fitScenario(WorstFit)
	frag, err := p.Allocate(100, "t")
	suite.NoError(err)
	suite.Equal(uint64(60), frag.Offset)
}

func (suite *PoolTestSuite) TestFragmentationBlocksAllocation() {
	p := suite.fitScenario(FirstFit)
	// total free is 370 but the largest contiguous block is 200
	suite.Equal(uint64(370), p.FreeSize())
	_, err := p.Allocate(300, "t")
	suite.True(errors.Is(err, ErrInsufficientMemory))
	suite.checkPartition(p)
}

func (suite *PoolTestSuite) TestFreeUnknownTaskIsNoOp() {
	p := suite.newPool(1024, FirstFit)
	_, err := p.Allocate(100, "t1")
	suite.NoError(err)
	allocated := p.AllocatedSize()
	p.Free("nope")
	suite.Equal(allocated, p.AllocatedSize())
	suite.checkPartition(p)
}

func (suite *PoolTestSuite) TestCoalesceMergesAdjacentFree() {
	p := suite.fitScenario(FirstFit)
	// free the separators so all five fragments are free
	p.Free("s1")
	p.Free("s2")
	suite.Len(p.Fragments(), 5)

	merges := p.Coalesce()
	suite.Equal(4, merges)
	suite.Len(p.Fragments(), 1)
	suite.Equal(uint64(390), p.LargestFreeBlock())
	suite.checkPartition(p)

	// idempotent
	suite.Equal(0, p.Coalesce())
	suite.Len(p.Fragments(), 1)
}

func (suite *PoolTestSuite) TestFragmentationRatio() {
	p := suite.newPool(1024, FirstFit)
	// single free fragment
	suite.Equal(float64(0), p.FragmentationRatio())

	// no free memory
	_, err := p.Allocate(1024, "t")
	suite.NoError(err)
	suite.Equal(float64(0), p.FragmentationRatio())
	p.Free("t")

	p = suite.fitScenario(FirstFit)
	// free 50+200+120=370, largest 200
	suite.InDelta(1-200.0/370.0, p.FragmentationRatio(), 1e-9)
}

func (suite *PoolTestSuite) TestCompactTriggersCoalesceOnly() {
	p := suite.fitScenario(FirstFit)
	p.Free("s1")
	used := p.AllocatedSize()
	p.Compact()
	// no relocation, only merging
	suite.Equal(used, p.AllocatedSize())
	for i, f := range p.Fragments() {
		if i == 0 {
			continue
		}
		prev := p.Fragments()[i-1]
		suite.False(prev.Free && f.Free, "adjacent free fragments remain")
	}
	suite.checkPartition(p)
}

func (suite *PoolTestSuite) TestInvariantViolationHaltsPool() {
	p := suite.newPool(1024, FirstFit)
	_, err := p.Allocate(100, "t1")
	suite.NoError(err)

	// corrupt the ledger behind the allocator's back
	mp := p.(*memPool)
	mp.Lock()
	mp.fragments[1].Offset += 8
	mp.Unlock()

	_, err = p.Allocate(100, "t2")
	suite.True(errors.Is(err, ErrInvariantViolation))
	suite.True(p.Halted())

	_, err = p.Allocate(1, "t3")
	suite.True(errors.Is(err, ErrPoolHalted))
}

func (suite *PoolTestSuite) TestZeroSizeAllocationRejected() {
	p := suite.newPool(1024, FirstFit)
	_, err := p.Allocate(0, "t1")
	suite.Error(err)
}

func (suite *PoolTestSuite) TestParseFitStrategy() {
	for _, name := range []string{"first_fit", "best_fit", "worst_fit"} {
		s, err := ParseFitStrategy(name)
		suite.NoError(err)
		suite.Equal(name, s.String())
	}
	_, err := ParseFitStrategy("buddy")
	suite.Error(err)
}
