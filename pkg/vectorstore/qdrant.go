package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
)

// QdrantStore queries an external qdrant instance over gRPC.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// OpenQdrant connects to qdrant and binds the store to collection.
func OpenQdrant(cfg config.QdrantConfig, collection string) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantStore{client: client, collection: collection}, nil
}

// Query runs a nearest-neighbor search with the filter pushed down as
// keyword-match and range conditions.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if !filter.IsZero() {
		searchRequest.Filter = buildFilter(filter)
	}

	resp, err := s.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}
	return convertPoints(resp.Result), nil
}

func buildFilter(filter *Filter) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter.Equals)+len(filter.Ranges))

	for field, value := range filter.Equals {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: field,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}

	for _, r := range filter.Ranges {
		qr := &qdrant.Range{}
		if r.Min != nil {
			gte := float64(*r.Min)
			qr.Gte = &gte
		}
		if r.Max != nil {
			lte := float64(*r.Max)
			qr.Lte = &lte
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   r.Field,
					Range: qr,
				},
			},
		})
	}

	return &qdrant.Filter{Must: conditions}
}

func convertPoints(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]any, len(point.Payload))
		var text string
		for key, value := range point.Payload {
			converted := convertValue(value)
			if key == "text" || key == "content" {
				if s, ok := converted.(string); ok {
					text = s
					continue
				}
			}
			metadata[key] = converted
		}

		results = append(results, Result{
			Document: document.Document{ID: id, Text: text, Metadata: metadata},
			Score:    point.Score,
		})
	}
	return results
}

func convertValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]any, 0, len(v.ListValue.Values))
		for _, item := range v.ListValue.Values {
			items = append(items, convertValue(item))
		}
		return items
	default:
		return nil
	}
}

// Backend names the implementation.
func (s *QdrantStore) Backend() string {
	return "qdrant"
}

// Close shuts down the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
