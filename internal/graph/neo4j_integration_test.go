//go:build integration

package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
)

func startNeo4j(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err, "start neo4j")
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err, "neo4j bolt url")
	return uri
}

func TestNeo4jGraph(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	g, err := NewNeo4jGraph(startNeo4j(t), "", "", zap.NewNop())
	require.NoError(t, err)
	defer g.Close(ctx)
	require.NoError(t, g.Ping(ctx))
	require.NoError(t, g.EnsureSchema(ctx))

	for _, id := range []string{"s", "a", "b"} {
		require.NoError(t, g.UpsertMemory(ctx, memory.Memory{ID: id, OwnerID: "u1", Strength: 0.8}))
	}

	sa, err := NewWaypoint("s", "a", memory.RelSemantic, 1.0, nil, time.Now())
	require.NoError(t, err)
	ab, err := NewWaypoint("b", "a", memory.RelCausal, 0.5, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, g.Upsert(ctx, sa))
	require.NoError(t, g.Upsert(ctx, ab))

	got, err := g.Activate(ctx, []string{"s"}, ActivationOpts{MaxDepth: 2, DecayFactor: 0.7, Threshold: 0.1, MaxNodes: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].MemoryID)
	require.InDelta(t, 0.7, got[0].Activation, 1e-9)
	require.InDelta(t, 0.245, got[1].Activation, 1e-9)

	ok, err := g.Reinforce(ctx, ab.ID, 1.0)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = g.Activate(ctx, []string{"s"}, ActivationOpts{MaxDepth: 2, DecayFactor: 0.7, Threshold: 0.1, MaxNodes: 10})
	require.NoError(t, err)
	require.InDelta(t, 0.49, got[1].Activation, 1e-9)

	ok, err = g.Reinforce(ctx, "missing", 1.0)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := g.SyncStrengths(ctx, map[string]float64{"s": 0.5, "a": 0.4, "ghost": 0.1})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
