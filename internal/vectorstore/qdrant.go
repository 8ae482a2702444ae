package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/knoguchi/hybridrag/internal/repository"
)

const (
	payloadPassageID  = "passage_id"
	payloadDocumentID = "document_id"
	payloadText       = "content"
)

// pointNamespace derives Qdrant point ids for passage ids that are not UUIDs.
var pointNamespace = uuid.MustParse("6f1d3b2a-8c4e-5d7f-9a0b-1c2d3e4f5a6b")

// PointID maps a passage id onto the UUID Qdrant requires. UUIDs are used
// as-is; any other id gets a stable name-based UUID. The passage id itself
// travels in the payload.
func PointID(passageID string) string {
	if id, err := uuid.Parse(passageID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(pointNamespace, []byte(passageID)).String()
}

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the passage collection when it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert implements VectorStore. Any passage id is accepted; see PointID.
func (s *QdrantStore) Upsert(ctx context.Context, passages []repository.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(passages))
	for i, p := range passages {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(p.ID)),
			Vectors: qdrant.NewVectors(p.Embedding...),
			Payload: toPayload(p),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search implements VectorStore.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, nil
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         toQdrantFilter(filter),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		results = append(results, SearchResult{
			Passage: fromPayload(point.Id.GetUuid(), point.Payload),
			Score:   clampScore(float64(point.Score)),
		})
	}
	return results, nil
}

func toQdrantFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.Category != "" {
		must = append(must, qdrant.NewMatch(repository.KeyCategory, f.Category))
	}
	if f.Levels != nil {
		must = append(must, qdrant.NewRange(repository.KeyTechnicalLevel, &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.Levels.Min)),
			Lte: qdrant.PtrOf(float64(f.Levels.Max)),
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// toPayload stores metadata as strings except technical_level, which stays
// numeric so range filters work.
func toPayload(p repository.Passage) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadPassageID:  qdrant.NewValueString(p.ID),
		payloadDocumentID: qdrant.NewValueString(p.DocumentID),
		payloadText:       qdrant.NewValueString(p.Text),
	}
	for k, v := range p.Metadata.ToMap() {
		payload[k] = qdrant.NewValueString(v)
	}
	payload[repository.KeyTechnicalLevel] = qdrant.NewValueInt(int64(p.Metadata.TechnicalLevel))
	return payload
}

// fromPayload rebuilds a passage. Points written before the passage id was
// kept in the payload fall back to the point id.
func fromPayload(pointID string, payload map[string]*qdrant.Value) repository.Passage {
	p := repository.Passage{ID: pointID}
	flat := make(map[string]string, len(payload))
	for k, v := range payload {
		switch k {
		case payloadPassageID:
			if id := v.GetStringValue(); id != "" {
				p.ID = id
			}
		case payloadDocumentID:
			p.DocumentID = v.GetStringValue()
		case payloadText:
			p.Text = v.GetStringValue()
		default:
			flat[k] = valueString(v)
		}
	}
	p.Metadata = repository.MetadataFromMap(flat)
	return p
}

func valueString(v *qdrant.Value) string {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(kind.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(kind.DoubleValue, 'g', -1, 64)
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	default:
		return ""
	}
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
