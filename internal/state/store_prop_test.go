package state

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// ============================================================================
// Property-Based Tests for Store Invariants
// ============================================================================

// TestProperty_MessageIDsStrictlyIncrease verifies the total order of
// message ids regardless of senders and recipients.
func TestProperty_MessageIDsStrictlyIncrease(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := New(t.TempDir())
		require.NoError(rt, err)

		numMessages := rapid.IntRange(1, 50).Draw(rt, "numMessages")
		var lastID int64
		for i := 0; i < numMessages; i++ {
			to := rapid.SampledFrom([]string{"archie", "backend-1", Broadcast}).Draw(rt, fmt.Sprintf("to-%d", i))
			msg := s.AddMessage("archie", to, "m")

			// INVARIANT: every issued id is strictly greater than the previous one
			require.Greater(rt, msg.ID, lastID)
			lastID = msg.ID
		}
	})
}

// TestProperty_DeliveryIsExactlyOncePerCursor verifies that repeated
// cursor-driven reads never deliver a message twice and never skip one.
func TestProperty_DeliveryIsExactlyOncePerCursor(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := New(t.TempDir())
		require.NoError(rt, err)

		recipient := "backend-1"
		numRounds := rapid.IntRange(1, 10).Draw(rt, "numRounds")

		seen := make(map[int64]bool)
		var expected int

		for round := 0; round < numRounds; round++ {
			numSent := rapid.IntRange(0, 5).Draw(rt, fmt.Sprintf("numSent-%d", round))
			for i := 0; i < numSent; i++ {
				broadcast := rapid.Bool().Draw(rt, fmt.Sprintf("broadcast-%d-%d", round, i))
				to := recipient
				if broadcast {
					to = Broadcast
				}
				s.AddMessage("archie", to, "m")
				expected++
			}
			// Noise addressed elsewhere must never be delivered
			s.AddMessage("archie", "frontend-1", "noise")

			msgs, _ := s.GetMessages(recipient, 0, true)
			for _, m := range msgs {
				// INVARIANT: no message is delivered twice
				require.False(rt, seen[m.ID], "message %d delivered twice", m.ID)
				seen[m.ID] = true
			}
		}

		// INVARIANT: every addressed message was delivered exactly once
		require.Len(rt, seen, expected)
	})
}

// TestProperty_ContextMergeNeverLosesFields verifies that a sequence of
// partial context saves accumulates: a field holds the last non-zero
// value written to it, never an unrelated update's zero value.
func TestProperty_ContextMergeNeverLosesFields(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := New(t.TempDir())
		require.NoError(rt, err)
		_, err = s.RegisterAgent(RegisterAgentParams{ID: "backend-1", Role: "backend"})
		require.NoError(rt, err)

		var want SessionContext
		numSaves := rapid.IntRange(1, 10).Draw(rt, "numSaves")
		for i := 0; i < numSaves; i++ {
			patch := SessionContext{}
			if rapid.Bool().Draw(rt, fmt.Sprintf("hasProgress-%d", i)) {
				patch.Progress = fmt.Sprintf("progress-%d", i)
				want.Progress = patch.Progress
			}
			if rapid.Bool().Draw(rt, fmt.Sprintf("hasNext-%d", i)) {
				patch.NextSteps = fmt.Sprintf("next-%d", i)
				want.NextSteps = patch.NextSteps
			}
			if rapid.Bool().Draw(rt, fmt.Sprintf("hasBlockers-%d", i)) {
				patch.Blockers = fmt.Sprintf("blocked-%d", i)
				want.Blockers = patch.Blockers
			}
			if rapid.Bool().Draw(rt, fmt.Sprintf("hasFiles-%d", i)) {
				patch.FilesModified = []string{fmt.Sprintf("file-%d.go", i)}
				want.FilesModified = patch.FilesModified
			}
			if rapid.Bool().Draw(rt, fmt.Sprintf("hasDecisions-%d", i)) {
				patch.Decisions = []string{fmt.Sprintf("decision-%d", i)}
				want.Decisions = patch.Decisions
			}

			_, err := s.UpdateAgent("backend-1", AgentPatch{Context: &patch})
			require.NoError(rt, err)
		}

		agent, ok := s.GetAgent("backend-1")
		require.True(rt, ok)
		require.NotNil(rt, agent.Context)
		require.Equal(rt, want, *agent.Context)
	})
}

// TestProperty_ReloadPreservesEverything verifies that a store reloaded from
// its snapshots is observationally identical.
func TestProperty_ReloadPreservesEverything(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir := t.TempDir()
		s, err := New(dir)
		require.NoError(rt, err)

		numAgents := rapid.IntRange(0, 5).Draw(rt, "numAgents")
		for i := 0; i < numAgents; i++ {
			_, err := s.RegisterAgent(RegisterAgentParams{
				ID:   fmt.Sprintf("agent-%d", i),
				Role: "backend",
			})
			require.NoError(rt, err)
		}

		numMessages := rapid.IntRange(0, 20).Draw(rt, "numMessages")
		for i := 0; i < numMessages; i++ {
			s.AddMessage("archie", "agent-0", "m")
		}
		if numMessages > 0 {
			s.GetMessages("agent-0", 0, true)
		}

		s2, err := New(dir)
		require.NoError(rt, err)

		require.Len(rt, s2.ListAgents(), numAgents)
		require.Len(rt, s2.AllMessages(), numMessages)
		require.False(rt, s2.HasUnreadFor("agent-0"))

		// INVARIANT: the reloaded store never reissues a persisted id
		if numMessages > 0 {
			maxID := s.AllMessages()[numMessages-1].ID
			require.Greater(rt, s2.AddMessage("a", "b", "m").ID, maxID)
		}
	})
}
