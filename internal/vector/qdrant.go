package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// Point IDs in qdrant must be UUIDs or integers; chunk IDs are hashed into
// this namespace so the same chunk always maps to the same point.
var qdrantIDNamespace = uuid.MustParse("8f9c1d52-0c6e-4a47-9d21-5f3a9b0e6c11")

// Qdrant is an Index backed by a qdrant collection over gRPC.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections qdrantclient.CollectionsClient
	points      qdrantclient.PointsClient
	collection  string
}

// NewQdrant dials addr (host:port) and ensures the collection exists with
// the given embedding dimension and cosine distance.
func NewQdrant(ctx context.Context, addr, collection string, dim int) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}

	q := &Qdrant{
		conn:        conn,
		collections: qdrantclient.NewCollectionsClient(conn),
		points:      qdrantclient.NewPointsClient(conn),
		collection:  collection,
	}
	if err := q.ensureCollection(ctx, dim); err != nil {
		if cerr := conn.Close(); cerr != nil {
			return nil, fmt.Errorf("%w (also failed to close conn: %v)", err, cerr)
		}
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) Close() error { return q.conn.Close() }

func (q *Qdrant) ensureCollection(ctx context.Context, dim int) error {
	list, err := q.collections.List(ctx, &qdrantclient.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, col := range list.GetCollections() {
		if col.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &qdrantclient.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     uint64(dim),
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, chunks []models.EmbeddedChunk) error {
	points := make([]*qdrantclient.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrantclient.PointStruct{
			Id: &qdrantclient.PointId{
				PointIdOptions: &qdrantclient.PointId_Uuid{
					Uuid: uuid.NewSHA1(qdrantIDNamespace, []byte(c.ChunkID)).String(),
				},
			},
			Vectors: &qdrantclient.Vectors{
				VectorsOptions: &qdrantclient.Vectors_Vector{
					Vector: &qdrantclient.Vector{Data: c.Vector},
				},
			},
			Payload: map[string]*qdrantclient.Value{
				"chunk_id":     {Kind: &qdrantclient.Value_StringValue{StringValue: c.ChunkID}},
				"repo_id":      {Kind: &qdrantclient.Value_StringValue{StringValue: c.RepoID}},
				"commit_hash":  {Kind: &qdrantclient.Value_StringValue{StringValue: c.CommitHash}},
				"file_path":    {Kind: &qdrantclient.Value_StringValue{StringValue: c.FilePath}},
				"hunk_index":   {Kind: &qdrantclient.Value_IntegerValue{IntegerValue: int64(c.HunkIndex)}},
				"text":         {Kind: &qdrantclient.Value_StringValue{StringValue: c.Text}},
				"committed_at": {Kind: &qdrantclient.Value_StringValue{StringValue: c.CommittedAt.UTC().Format(time.RFC3339Nano)}},
			},
		})
	}
	if len(points) == 0 {
		return nil
	}

	_, err := q.points.Upsert(ctx, &qdrantclient.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert points: %w", grpcTransient(err))
	}
	return nil
}

// grpcTransient marks retryable gRPC failures as transient so the retry
// policy re-attempts them.
func grpcTransient(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return &retry.Transient{Err: err}
	}
	return err
}

func repoFilter(repoID string) *qdrantclient.Filter {
	return &qdrantclient.Filter{
		Must: []*qdrantclient.Condition{
			{
				ConditionOneOf: &qdrantclient.Condition_Field{
					Field: &qdrantclient.FieldCondition{
						Key: "repo_id",
						Match: &qdrantclient.Match{
							MatchValue: &qdrantclient.Match_Keyword{Keyword: repoID},
						},
					},
				},
			},
		},
	}
}

func (q *Qdrant) Query(ctx context.Context, vec []float32, topK int, repoID string) ([]models.ScoredChunk, error) {
	resp, err := q.points.Search(ctx, &qdrantclient.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		Filter:         repoFilter(repoID),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search points: %w", grpcTransient(err))
	}

	hits := make([]models.ScoredChunk, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := p.GetPayload()
		committedAt, _ := time.Parse(time.RFC3339Nano, payload["committed_at"].GetStringValue())
		hits = append(hits, models.ScoredChunk{
			Chunk: models.DiffChunk{
				ChunkID:     payload["chunk_id"].GetStringValue(),
				RepoID:      payload["repo_id"].GetStringValue(),
				CommitHash:  payload["commit_hash"].GetStringValue(),
				FilePath:    payload["file_path"].GetStringValue(),
				HunkIndex:   int(payload["hunk_index"].GetIntegerValue()),
				Text:        payload["text"].GetStringValue(),
				CommittedAt: committedAt,
			},
			Score: float64(p.GetScore()),
		})
	}
	// qdrant orders by score only; settle ties on commit time ourselves.
	SortHits(hits)
	return hits, nil
}

func (q *Qdrant) Count(ctx context.Context, repoID string) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &qdrantclient.CountPoints{
		CollectionName: q.collection,
		Filter:         repoFilter(repoID),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", grpcTransient(err))
	}
	return int(resp.GetResult().GetCount()), nil
}
