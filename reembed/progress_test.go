package reembed

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_Add(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "Progress", 100, 10)
	tracker.Start()

	tracker.Add(25)
	tracker.Add(25)
	tracker.Add(50)

	assert.Greater(t, tracker.Elapsed(), time.Duration(0))
	output := buf.String()
	assert.Contains(t, output, "Progress: 25/100 (25.0%)")
	assert.Contains(t, output, "100/100 (100.0%)")
}

func TestProgressTracker_ConcurrentAdd(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "Progress", 200, 1000)
	tracker.Start()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Add(10)
		}()
	}
	wg.Wait()
	tracker.Finish()
	assert.Contains(t, buf.String(), "200/200")
}

func TestProgressTracker_Finish(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "Embedding", 100, 10)
	tracker.Start()
	tracker.Add(75)
	tracker.Finish()

	output := buf.String()
	assert.Contains(t, output, "Embedding: 100/100 (100.0%)")
	assert.True(t, strings.HasSuffix(output, "\n"))
}

func TestProgressTracker_CapsAtTotal(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "Progress", 10, 1)
	tracker.Start()
	tracker.Add(15)

	assert.Contains(t, buf.String(), "10/10")
	assert.NotContains(t, buf.String(), "15/10")
}

func TestProgressTracker_NotStarted(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "Progress", 100, 1)
	tracker.Add(50)
	tracker.Finish()

	assert.Empty(t, buf.String())
	assert.Zero(t, tracker.Elapsed())
}

func TestProgressTracker_ReportInterval(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "Progress", 100, 30)
	tracker.Start()

	tracker.Add(10)
	tracker.Add(10)
	assert.Empty(t, buf.String(), "below the interval nothing is printed")

	tracker.Add(10)
	assert.Contains(t, buf.String(), "30/100")
	assert.Equal(t, 1, strings.Count(buf.String(), "\r"))
}

func TestProgressTracker_NilWriter(t *testing.T) {
	tracker := NewProgressTracker(nil, "Progress", 10, 1)
	tracker.Start()
	tracker.Add(5)
	tracker.Finish()
}
