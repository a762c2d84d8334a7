package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRefreshPolicy(t *testing.T) {
	policy, period := ParseRefreshPolicy(30)
	assert.Equal(t, RefreshPeriodic, policy)
	assert.Equal(t, 30*time.Second, period)

	policy, _ = ParseRefreshPolicy(0)
	assert.Equal(t, RefreshOnDemand, policy)

	policy, _ = ParseRefreshPolicy(-1)
	assert.Equal(t, RefreshManual, policy)
}

func TestParseVerbose(t *testing.T) {
	assert.True(t, ParseVerbose("verbose"))
	assert.True(t, ParseVerbose("1"))
	assert.False(t, ParseVerbose("muted"))
	assert.False(t, ParseVerbose("0"))
	assert.False(t, ParseVerbose(""))
}

func TestConfigWatcherManualNeverChecks(t *testing.T) {
	fake := NewFakeRepository()
	fake.SetInfo(Info{ConfigID: "cfg-1"})
	w := NewConfigWatcher(fake, "cfg-2", RefreshManual, 0)
	w.Start()
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	assert.Equal(t, 0, fake.VersionCalls)
}

func TestConfigWatcherOnDemandChecksOnce(t *testing.T) {
	fake := NewFakeRepository()
	fake.SetInfo(Info{ConfigID: "cfg-1"})
	w := NewConfigWatcher(fake, "cfg-1", RefreshOnDemand, 0)
	w.Start()
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	assert.Equal(t, 1, fake.VersionCalls)
}

func TestConfigWatcherPeriodicDetectsDrift(t *testing.T) {
	fake := NewFakeRepository()
	fake.SetInfo(Info{ConfigID: "cfg-1"})
	w := NewConfigWatcher(fake, "cfg-pinned", RefreshPeriodic, 5*time.Millisecond)
	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	assert.GreaterOrEqual(t, fake.VersionCalls, 2)
}
