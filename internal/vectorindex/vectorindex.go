// Package vectorindex maintains the approximate-nearest-neighbor index used
// for semantic search over working and warm memories. Built on the official
// qdrant/go-client gRPC SDK against two collections: full-dimension vectors
// for active tiers and reduced-dimension vectors for frozen memories.
package vectorindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/mycelial/hiveware/internal/logging"
)

var log = logging.GetLogger("vectorindex")

// payloadOriginalID stores the engine's own memory id in the point payload,
// since Qdrant point ids must be a UUID or unsigned integer.
const payloadOriginalID = "_memory_id"

// HNSWParams configures Qdrant's HNSW index.
type HNSWParams struct {
	M              int
	EfConstruction int
}

// Config configures a VectorIndex.
type Config struct {
	Host             string
	Port             int
	UseTLS           bool
	APIKey           string
	FullCollection   string // working+warm, embedding_dim wide
	FrozenCollection string // frozen, frozen_dim wide
	Dimension        int
	FrozenDimension  int
	HNSW             HNSWParams
	EfSearch         int
}

// Hit is one nearest-neighbor search result.
type Hit struct {
	MemoryID string
	Score    float64
}

// VectorIndex is the interface the repository and freeze engine depend on.
type VectorIndex interface {
	Upsert(ctx context.Context, memoryID string, vector []float32, frozen bool) error
	Delete(ctx context.Context, memoryID string, frozen bool) error
	Search(ctx context.Context, vector []float32, k int, frozen bool) ([]Hit, error)
	Close() error
}

// QdrantIndex is the production VectorIndex backed by Qdrant.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    Config
}

// Open connects to Qdrant and ensures both collections exist with the
// engine's HNSW parameters.
func Open(ctx context.Context, cfg Config) (*QdrantIndex, error) {
	if cfg.FullCollection == "" {
		cfg.FullCollection = "memories"
	}
	if cfg.FrozenCollection == "" {
		cfg.FrozenCollection = "memories_frozen"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.FrozenDimension <= 0 {
		cfg.FrozenDimension = 128
	}
	if cfg.HNSW.M <= 0 {
		cfg.HNSW.M = 48
	}
	if cfg.HNSW.EfConstruction <= 0 {
		cfg.HNSW.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 64
	}
	if cfg.Port <= 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	q := &QdrantIndex{client: client, cfg: cfg}
	if err := q.ensureCollection(ctx, cfg.FullCollection, cfg.Dimension); err != nil {
		client.Close()
		return nil, err
	}
	if err := q.ensureCollection(ctx, cfg.FrozenCollection, cfg.FrozenDimension); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, name string, dim int) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s exists: %w", name, err)
	}
	if exists {
		return nil
	}

	hnswConfig := &qdrant.HnswConfigDiff{
		M:           ptrUint64(uint64(q.cfg.HNSW.M)),
		EfConstruct: ptrUint64(uint64(q.cfg.HNSW.EfConstruction)),
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
		HnswConfig: hnswConfig,
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	log.Info("created vector collection", "collection", name, "dimension", dim)
	return nil
}

func (q *QdrantIndex) collectionFor(frozen bool) string {
	if frozen {
		return q.cfg.FrozenCollection
	}
	return q.cfg.FullCollection
}

func pointID(memoryID string) *qdrant.PointId {
	if _, err := uuid.Parse(memoryID); err == nil {
		return qdrant.NewIDUUID(memoryID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(memoryID)).String())
}

// Upsert writes or replaces a memory's vector in the appropriate collection.
func (q *QdrantIndex) Upsert(ctx context.Context, memoryID string, vector []float32, frozen bool) error {
	vec := make([]float32, len(vector))
	copy(vec, vector)

	payload := qdrant.NewValueMap(map[string]any{payloadOriginalID: memoryID})
	points := []*qdrant.PointStruct{{
		Id:      pointID(memoryID),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: payload,
	}}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionFor(frozen),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// Delete removes a memory's vector from the appropriate collection.
func (q *QdrantIndex) Delete(ctx context.Context, memoryID string, frozen bool) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionFor(frozen),
		Points:         qdrant.NewPointsSelector(pointID(memoryID)),
	})
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// Search returns the k nearest neighbors to vector, ordered by similarity.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int, frozen bool) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	limit := uint64(k)
	params := &qdrant.SearchParams{HnswEf: ptrUint64(uint64(q.cfg.EfSearch))}
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collectionFor(frozen),
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Params:         params,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id := r.Id.GetUuid()
		if r.Payload != nil {
			if v, ok := r.Payload[payloadOriginalID]; ok {
				id = v.GetStringValue()
			}
		}
		hits = append(hits, Hit{MemoryID: id, Score: float64(r.Score)})
	}
	return hits, nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func ptrUint64(v uint64) *uint64 { return &v }

// ParseHostPort splits a "host:port" address, defaulting the port to 6334.
// A URL scheme prefix (http://, grpc://) is tolerated and stripped, since
// operators tend to paste the Qdrant dashboard URL into the config.
func ParseHostPort(addr string) (string, int, error) {
	if addr == "" {
		return "localhost", 6334, nil
	}
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) == 1 {
		return parts[0], 6334, nil
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return parts[0], port, nil
}
