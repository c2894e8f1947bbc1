package artifact

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millwork/taskmill/pkg/verdict"
)

func TestWriteJSON_AtomicAndReadable(t *testing.T) {
	s := NewStore(t.TempDir())

	v := verdict.Verdict{TaskID: "t-1", Outcome: verdict.OutcomeDone, Reason: "ALL_CHECKS_PASSED"}
	require.NoError(t, s.WriteJSON("t-1", NameVerdict, v))

	var got verdict.Verdict
	require.NoError(t, s.ReadJSON("t-1", NameVerdict, &got))
	assert.Equal(t, v, got)

	// No temp files left behind.
	entries, err := os.ReadDir(s.TaskDir("t-1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestWriteJSON_WriteOnce(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.WriteJSON("t-2", NamePreflight, map[string]bool{"pass": true}))
	err := s.WriteJSON("t-2", NamePreflight, map[string]bool{"pass": false})
	assert.ErrorIs(t, err, ErrAlreadyWritten)

	// Mutable artifacts may be rewritten.
	require.NoError(t, s.WriteRaw("t-2", NameReport, []byte("draft")))
	require.NoError(t, s.WriteRaw("t-2", NameReport, []byte("final")))
}

func TestWriteJSON_PinsNestedPath(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.WriteJSON("t-3", NamePins, map[string]any{"allowed_paths": []string{"a.go"}}))
	assert.FileExists(t, filepath.Join(s.TaskDir("t-3"), "pins", "pins.json"))
}

func TestReadJSON_MissingIsTyped(t *testing.T) {
	s := NewStore(t.TempDir())

	var v any
	err := s.ReadJSON("t-4", NameSubmit, &v)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestEventLog_AppendAndRead(t *testing.T) {
	s := NewStore(t.TempDir())

	log, err := s.EventLog("t-5")
	require.NoError(t, err)

	require.NoError(t, log.Append(TypeEnqueued, "t-5", map[string]string{"lane": "mainlane"}))
	require.NoError(t, log.Append(TypeVerdict, "t-5", map[string]string{"verdict": "DONE"}))

	events, err := s.ReadEvents("t-5")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeEnqueued, events[0].Type)
	assert.Equal(t, TypeVerdict, events[1].Type)
	assert.Equal(t, "t-5", events[0].TaskID)
	assert.False(t, events[0].TS.IsZero())
}

func TestEventLog_ConcurrentAppends(t *testing.T) {
	s := NewStore(t.TempDir())

	log, err := s.EventLog("t-6")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Append(TypeError, "t-6", nil))
		}()
	}
	wg.Wait()

	events, err := s.ReadEvents("t-6")
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func TestVerifyGates_StrictFailsOnMissing(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.VerifyGates("t-7", true)
	require.Error(t, err)

	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, NameCIGate, ve.Name)
}

func TestVerifyGates_NonStrictBackfills(t *testing.T) {
	s := NewStore(t.TempDir())

	gates, err := s.VerifyGates("t-8", false)
	require.NoError(t, err)
	assert.False(t, gates.CI.Ran)
	assert.False(t, gates.Policy.Ran)
	assert.False(t, gates.Hygiene.Ran)

	// Backfill is deterministic.
	again, err := s.VerifyGates("t-8", false)
	require.NoError(t, err)
	assert.Equal(t, gates, again)
}

func TestVerifyGates_ReadsRealGateResults(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.WriteJSON("t-9", NameCIGate, verdict.Gate{Required: true, Ran: true, OK: true}))
	require.NoError(t, s.WriteJSON("t-9", NamePolicyGate, verdict.Gate{Required: false}))
	require.NoError(t, s.WriteJSON("t-9", NameHygieneGate, verdict.Hygiene{Ran: true, OK: false}))

	gates, err := s.VerifyGates("t-9", true)
	require.NoError(t, err)
	assert.True(t, gates.CI.OK)
	assert.False(t, gates.Hygiene.OK)
}

func TestVerifyCore(t *testing.T) {
	s := NewStore(t.TempDir())

	err := s.VerifyCore("t-10", true)
	require.Error(t, err)

	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, NamePreflight, ve.Name)

	assert.NoError(t, s.VerifyCore("t-10", false))
}
