package vectorindex

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// QdrantBackend stores vectors in a remote Qdrant collection keyed by
// numeric point ids equal to the label.
type QdrantBackend struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	count       atomic.Int64
}

// OpenQdrant returns an OpenFunc that dials Qdrant and ensures the
// collection exists with the manager's dimension.
func OpenQdrant(cfg QdrantConfig) OpenFunc {
	return func(ctx context.Context, dimension, _ int) (Backend, error) {
		b, err := NewQdrantBackend(cfg)
		if err != nil {
			return nil, err
		}
		if err := b.EnsureCollection(ctx, uint64(dimension)); err != nil {
			b.Close()
			return nil, err
		}
		return b, nil
	}
}

// NewQdrantBackend dials the Qdrant gRPC endpoint.
func NewQdrantBackend(cfg QdrantConfig) (*QdrantBackend, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "mnemo_memories"
	}
	return &QdrantBackend{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  collection,
	}, nil
}

// EnsureCollection creates the collection if it does not already exist and
// primes the point count.
func (b *QdrantBackend) EnsureCollection(ctx context.Context, dimension uint64) error {
	info, err := b.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: b.collection})
	if err == nil {
		b.count.Store(int64(info.GetResult().GetPointsCount()))
		return nil
	}
	_, err = b.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", b.collection, err)
	}
	return nil
}

func pointID(label int64) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(label)}}
}

// Add upserts one point and waits for it to become searchable.
func (b *QdrantBackend) Add(ctx context.Context, label int64, vec []float32) error {
	wait := true
	_, err := b.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: b.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      pointID(label),
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", b.collection, err)
	}
	b.count.Add(1)
	return nil
}

// Search converts Qdrant cosine scores into distances.
func (b *QdrantBackend) Search(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	resp, err := b.points.Search(ctx, &pb.SearchPoints{
		CollectionName: b.collection,
		Vector:         vec,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", b.collection, err)
	}
	out := make([]Neighbor, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, Neighbor{
			Label:    int64(r.Id.GetNum()),
			Distance: 1 - float64(r.Score),
		})
	}
	return out, nil
}

// Delete removes points by label.
func (b *QdrantBackend) Delete(ctx context.Context, labels ...int64) error {
	if len(labels) == 0 {
		return nil
	}
	ids := make([]*pb.PointId, len(labels))
	for i, l := range labels {
		ids[i] = pointID(l)
	}
	wait := true
	_, err := b.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: b.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", b.collection, err)
	}
	b.count.Add(-int64(len(labels)))
	return nil
}

// Len asks Qdrant for an exact count, falling back to the local tally when
// the server cannot be reached.
func (b *QdrantBackend) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exact := true
	resp, err := b.points.Count(ctx, &pb.CountPoints{CollectionName: b.collection, Exact: &exact})
	if err == nil {
		b.count.Store(int64(resp.GetResult().GetCount()))
	}
	return int(b.count.Load())
}

// Close tears down the underlying gRPC connection.
func (b *QdrantBackend) Close() error {
	return b.conn.Close()
}
