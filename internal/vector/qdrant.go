package vector

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"brainvault/internal/apperrors"
	"brainvault/internal/config"
	"brainvault/internal/logging"
)

// reservedIDKey carries the logical record id inside the payload. Qdrant
// point ids must be UUIDs, but fact records use ids like "fact_12"; those
// are mapped to deterministic UUIDs and recovered from the payload.
const reservedIDKey = "_id"

var idNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// QdrantStore implements Store against a Qdrant collection with cosine
// distance.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     logging.Logger
}

// NewQdrantStore connects to Qdrant. Call Init before first use.
func NewQdrantStore(cfg *config.QdrantConfig, dimension int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "failed to create qdrant client", err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dimension:  dimension,
		logger:     logging.WithComponent("vector.qdrant"),
	}, nil
}

// Init creates the collection if it does not exist.
func (qs *QdrantStore) Init(ctx context.Context) error {
	collections, err := qs.client.ListCollections(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamError, "failed to list collections", err)
	}

	for _, name := range collections {
		if name == qs.collection {
			return nil
		}
	}

	err = qs.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: qs.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(qs.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamError,
			fmt.Sprintf("failed to create collection %s", qs.collection), err)
	}

	qs.logger.Info("created qdrant collection", "collection", qs.collection, "dimension", qs.dimension)
	return nil
}

// Upsert writes records, replacing existing ids.
func (qs *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for i := range records {
		r := &records[i]
		if len(r.Values) != qs.dimension {
			return apperrors.Newf(apperrors.CodeValidationError,
				"vector %s has dimension %d, want %d", r.ID, len(r.Values), qs.dimension)
		}

		payload := toPayload(r.Metadata)
		payload[reservedIDKey] = stringValue(r.ID)

		points = append(points, &qdrant.PointStruct{
			Id:      pointID(r.ID),
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: r.Values}}},
			Payload: payload,
		})
	}

	_, err := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: qs.collection,
		Points:         points,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamError, "failed to upsert vectors", err)
	}
	return nil
}

// Query returns the k nearest records under the filter.
func (qs *QdrantStore) Query(ctx context.Context, vec []float32, k int, filter Filter, includeValues bool) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	points, err := qs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: qs.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         toQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(includeValues),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "vector query failed", err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		m := Match{
			ID:       logicalID(p.GetId(), p.GetPayload()),
			Score:    float64(p.GetScore()),
			Metadata: fromPayload(p.GetPayload()),
		}
		if includeValues {
			if vectors := p.GetVectors(); vectors != nil {
				if vector := vectors.GetVector(); vector != nil {
					m.Values = vector.GetData()
				}
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Delete removes records by id.
func (qs *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamError, "failed to delete vectors", err)
	}
	return nil
}

// DeleteByFilter removes every record matching the filter.
func (qs *QdrantStore) DeleteByFilter(ctx context.Context, filter Filter) error {
	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: toQdrantFilter(filter),
			},
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUpstreamError, "failed to delete vectors by filter", err)
	}
	return nil
}

// ListIDs scrolls the collection for every id matching the filter.
func (qs *QdrantStore) ListIDs(ctx context.Context, filter Filter) ([]string, error) {
	var ids []string
	var offset *qdrant.PointId

	for {
		points, err := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: qs.collection,
			Filter:         toQdrantFilter(filter),
			Limit:          qdrant.PtrOf(uint32(256)),
			Offset:         offset,
			WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "vector scroll failed", err)
		}
		if len(points) == 0 {
			return ids, nil
		}

		for _, p := range points {
			ids = append(ids, logicalID(p.GetId(), p.GetPayload()))
		}
		offset = points[len(points)-1].GetId()

		if len(points) < 256 {
			return ids, nil
		}
	}
}

// Close releases the grpc connection.
func (qs *QdrantStore) Close() error {
	return qs.client.Close()
}

// pointID maps a logical id to a Qdrant point id. UUIDs pass through;
// anything else gets a deterministic UUIDv5.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}
	}
	derived := uuid.NewSHA1(idNamespace, []byte(id)).String()
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: derived}}
}

func logicalID(id *qdrant.PointId, payload map[string]*qdrant.Value) string {
	if v, ok := payload[reservedIDKey]; ok {
		if s := v.GetStringValue(); s != "" {
			return s
		}
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func stringSliceValue(slice []string) *qdrant.Value {
	values := make([]*qdrant.Value, len(slice))
	for i, s := range slice {
		values[i] = stringValue(s)
	}
	return &qdrant.Value{Kind: &qdrant.Value_ListValue{
		ListValue: &qdrant.ListValue{Values: values},
	}}
}

func toPayload(meta map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(meta)+1)
	for k, v := range meta {
		switch val := v.(type) {
		case string:
			payload[k] = stringValue(val)
		case int:
			payload[k] = intValue(int64(val))
		case int64:
			payload[k] = intValue(val)
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		case []string:
			payload[k] = stringSliceValue(val)
		default:
			payload[k] = stringValue(fmt.Sprintf("%v", val))
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	meta := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == reservedIDKey {
			continue
		}
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			meta[k] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			meta[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			meta[k] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			meta[k] = kind.BoolValue
		case *qdrant.Value_ListValue:
			values := kind.ListValue.GetValues()
			out := make([]string, len(values))
			for i, item := range values {
				out[i] = item.GetStringValue()
			}
			meta[k] = out
		}
	}
	return meta
}

func toQdrantFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}

	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, v := range filter {
		var match *qdrant.Match
		switch val := v.(type) {
		case string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: val}}
		case int:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(val)}}
		case int64:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: val}}
		case bool:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: val}}
		case []string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
				Keywords: &qdrant.RepeatedStrings{Strings: val},
			}}
		default:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprintf("%v", val)}}
		}

		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: key, Match: match},
			},
		})
	}

	return &qdrant.Filter{Must: conditions}
}
