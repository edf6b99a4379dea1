package graph

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
)

// Neo4jGraph mirrors memories and waypoints into Neo4j so traversals run in
// the database. Postgres stays the source of truth.
type Neo4jGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jGraph creates the driver. Connectivity is checked by Ping.
func NewNeo4jGraph(uri, user, password string, logger *zap.Logger) (*Neo4jGraph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jGraph{driver: driver, logger: logger}, nil
}

func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Neo4jGraph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint on memory ids.
func (g *Neo4jGraph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		nil)
	return err
}

// UpsertMemory creates or refreshes the node for m.
func (g *Neo4jGraph) UpsertMemory(ctx context.Context, m memory.Memory) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (m:Memory {id: $id})
		 SET m.owner_id = $ownerId,
		     m.conversation_id = $conversationId,
		     m.sector_id = $sectorId,
		     m.strength = $strength`,
		map[string]interface{}{
			"id":             m.ID,
			"ownerId":        m.OwnerID,
			"conversationId": m.ConversationID,
			"sectorId":       m.SectorID,
			"strength":       m.Strength,
		})
	return err
}

// Upsert mirrors a waypoint. Missing endpoint nodes are created bare and
// filled in by a later UpsertMemory.
func (g *Neo4jGraph) Upsert(ctx context.Context, w memory.Waypoint) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (a:Memory {id: $source})
		 MERGE (b:Memory {id: $target})
		 MERGE (a)-[r:WAYPOINT {id: $id}]->(b)
		 SET r.type = $type,
		     r.weight = $weight,
		     r.created_at = $createdAt`,
		map[string]interface{}{
			"id":        w.ID,
			"source":    w.SourceMemoryID,
			"target":    w.TargetMemoryID,
			"type":      string(w.RelationshipType),
			"weight":    w.Strength,
			"createdAt": w.CreatedAt.UTC().Format(time.RFC3339),
		})
	return err
}

// Reinforce sets the mirrored strength of a waypoint. It reports false when
// the edge is not mirrored.
func (g *Neo4jGraph) Reinforce(ctx context.Context, waypointID string, strength float64) (bool, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH ()-[r:WAYPOINT {id: $id}]->()
		 SET r.weight = $weight
		 RETURN count(r) AS updated`,
		map[string]interface{}{"id": waypointID, "weight": strength})
	if err != nil {
		return false, err
	}
	if result.Next(ctx) {
		if v, ok := result.Record().Get("updated"); ok && v != nil {
			return v.(int64) > 0, nil
		}
	}
	return false, result.Err()
}

// SyncStrengths copies decayed memory strengths onto the mirrored nodes.
func (g *Neo4jGraph) SyncStrengths(ctx context.Context, strengths map[string]float64) (int, error) {
	if len(strengths) == 0 {
		return 0, nil
	}
	rows := make([]map[string]interface{}, 0, len(strengths))
	for id, s := range strengths {
		rows = append(rows, map[string]interface{}{"id": id, "strength": s})
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`UNWIND $rows AS row
		 MATCH (m:Memory {id: row.id})
		 SET m.strength = row.strength
		 RETURN count(m) AS updated`,
		map[string]interface{}{"rows": rows})
	if err != nil {
		return 0, err
	}

	var updated int
	if result.Next(ctx) {
		if v, ok := result.Record().Get("updated"); ok && v != nil {
			updated = int(v.(int64))
		}
	}
	return updated, result.Err()
}

// Activate runs spreading activation from the seed memories, following
// waypoints in either direction. Activation along a path is
// DecayFactor^depth times the product of edge weights; each node keeps its
// best path.
func (g *Neo4jGraph) Activate(ctx context.Context, seeds []string, opts ActivationOpts) ([]Activated, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	start := time.Now()
	opts = opts.withDefaults()

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	// Variable-length bounds cannot be parameters.
	query := `
		MATCH (seed:Memory) WHERE seed.id IN $seeds
		CALL {
			WITH seed
			MATCH path = (seed)-[:WAYPOINT*1..` + strconv.Itoa(opts.MaxDepth) + `]-(node:Memory)
			WHERE NOT node.id IN $seeds
			WITH node, length(path) AS depth,
			     reduce(w = 1.0, r IN relationships(path) |
			       w * coalesce(r.weight, 0.5)
			     ) AS pathWeight
			RETURN node, depth, $decay ^ toFloat(depth) * pathWeight AS activation
		}
		WITH node, activation, depth
		ORDER BY activation DESC, depth ASC
		WITH node, collect(activation)[0] AS activation, collect(depth)[0] AS depth
		WHERE activation > $threshold
		RETURN node.id AS id, activation, depth
		ORDER BY activation DESC, id ASC
		LIMIT $maxNodes
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"seeds":     seeds,
		"decay":     opts.DecayFactor,
		"threshold": opts.Threshold,
		"maxNodes":  opts.MaxNodes,
	})
	if err != nil {
		return nil, err
	}

	var out []Activated
	for result.Next(ctx) {
		rec := result.Record()
		a := Activated{}
		if v, ok := rec.Get("id"); ok && v != nil {
			a.MemoryID = v.(string)
		}
		if v, ok := rec.Get("activation"); ok && v != nil {
			a.Activation = v.(float64)
		}
		if v, ok := rec.Get("depth"); ok && v != nil {
			a.Depth = int(v.(int64))
		}
		out = append(out, a)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	g.logger.Debug("spreading activation complete",
		zap.Int("seeds", len(seeds)),
		zap.Int("recalled", len(out)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}
