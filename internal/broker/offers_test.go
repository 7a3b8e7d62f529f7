package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func testOffer(id, taskID, runnerID string) Offer {
	return Offer{
		ID:        id,
		TaskID:    taskID,
		RunnerID:  runnerID,
		ExpiresAt: time.Now().Add(time.Second),
	}
}

func TestOfferTableAdd(t *testing.T) {
	table := newOfferTable()

	assert.True(t, table.add(testOffer("offer-1", "task-1", "runner-1")))
	assert.Equal(t, 1, table.len())
	assert.True(t, table.hasTask("task-1"))

	// Second offer for the same task is refused.
	assert.False(t, table.add(testOffer("offer-2", "task-1", "runner-2")))
	assert.Equal(t, 1, table.len())
}

func TestOfferTableResolveIdempotent(t *testing.T) {
	table := newOfferTable()
	table.add(testOffer("offer-1", "task-1", "runner-1"))

	off, ok := table.resolve("offer-1")
	assert.True(t, ok)
	assert.Equal(t, "task-1", off.TaskID)

	// The losing side of an accept/expiry race sees false.
	_, ok = table.resolve("offer-1")
	assert.False(t, ok)
	assert.False(t, table.hasTask("task-1"))
	assert.Equal(t, 0, table.len())
}

func TestOfferTableResolveByTask(t *testing.T) {
	table := newOfferTable()
	table.add(testOffer("offer-1", "task-1", "runner-1"))

	off, ok := table.resolveByTask("task-1")
	assert.True(t, ok)
	assert.Equal(t, "offer-1", off.ID)

	_, ok = table.resolveByTask("task-1")
	assert.False(t, ok)
}

func TestOfferTableResolveByRunner(t *testing.T) {
	table := newOfferTable()
	table.add(testOffer("offer-1", "task-1", "runner-1"))
	table.add(testOffer("offer-2", "task-2", "runner-1"))
	table.add(testOffer("offer-3", "task-3", "runner-2"))

	resolved := table.resolveByRunner("runner-1")
	assert.Len(t, resolved, 2)
	assert.Equal(t, 1, table.len())
	assert.True(t, table.hasTask("task-3"))

	assert.Empty(t, table.resolveByRunner("runner-1"))
}

// However offers are added and resolved, a task never carries more than one
// outstanding offer and every resolution succeeds exactly once.
func TestOfferTableAtMostOnePerTaskProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one outstanding offer per task", prop.ForAll(
		func(taskCount, attempts int) bool {
			table := newOfferTable()

			added := 0
			for i := 0; i < attempts; i++ {
				taskID := fmt.Sprintf("task-%d", i%taskCount)
				runnerID := fmt.Sprintf("runner-%d", i%3)
				if table.add(testOffer(fmt.Sprintf("offer-%d", i), taskID, runnerID)) {
					added++
				}
			}

			// No more offers than distinct tasks may stand.
			if added > taskCount || table.len() != added {
				return false
			}

			// Each successful add resolves exactly once.
			resolved := 0
			for i := 0; i < attempts; i++ {
				if _, ok := table.resolve(fmt.Sprintf("offer-%d", i)); ok {
					resolved++
				}
				if _, ok := table.resolve(fmt.Sprintf("offer-%d", i)); ok {
					return false
				}
			}
			return resolved == added && table.len() == 0
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
