// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kadirpekel/coda/pkg/config"
)

// QdrantProvider implements Provider against a Qdrant server over gRPC.
type QdrantProvider struct {
	client *qdrant.Client
}

// NewQdrantProvider connects to a Qdrant server.
func NewQdrantProvider(cfg *config.VectorConfig) (*QdrantProvider, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w\n"+
			"  TIP: Troubleshooting:\n"+
			"     - Ensure Qdrant is running\n"+
			"     - Verify host and port configuration\n"+
			"     - For Docker: docker run -p 6333:6333 -p 6334:6334 qdrant/qdrant",
			cfg.Host, cfg.Port, err)
	}

	return &QdrantProvider{client: client}, nil
}

// Name returns the provider name.
func (p *QdrantProvider) Name() string {
	return "qdrant"
}

// CreateCollection ensures a collection exists with the given vector size.
func (p *QdrantProvider) CreateCollection(ctx context.Context, collection string, vectorSize int) (bool, error) {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return false, nil
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return false, fmt.Errorf("failed to create collection: %w", err)
	}
	return true, nil
}

// DeleteCollection removes a collection.
func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	if err := p.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// GetCollectionInfo reports point count and vector size.
func (p *QdrantProvider) GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	info, err := p.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return &CollectionInfo{
		PointsCount: info.GetPointsCount(),
		VectorSize:  int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
	}, nil
}

// Upsert inserts or replaces points.
func (p *QdrantProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, pt := range points {
		payload := make(map[string]*qdrant.Value, len(pt.Payload))
		for key, value := range pt.Payload {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert payload value for key %s: %w", key, err)
			}
			payload[key] = val
		}

		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(pt.ID),
			Vectors: qdrant.NewVectors(pt.Vector...),
			Payload: payload,
		})
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qdrantPoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search finds similar vectors, filtered server-side by score and payload.
func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32, filters map[string]any) ([]SearchResult, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if scoreThreshold > 0 {
		searchRequest.ScoreThreshold = qdrant.PtrOf(scoreThreshold)
	}
	if len(filters) > 0 {
		searchRequest.Filter = buildQdrantFilter(filters)
	}

	searchResult, err := p.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]SearchResult, 0, len(searchResult.GetResult()))
	for _, point := range searchResult.GetResult() {
		payload := convertQdrantPayload(point.GetPayload())
		results = append(results, SearchResult{
			ID:      pointIDString(point.GetId()),
			Score:   point.GetScore(),
			Content: PayloadString(payload, "content"),
			Payload: payload,
		})
	}
	return results, nil
}

// Scroll pages through a collection in point-ID order.
func (p *QdrantProvider) Scroll(ctx context.Context, collection string, limit int, offset string) ([]SearchResult, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if offset != "" {
		req.Offset = qdrant.NewID(offset)
	}

	resp, err := p.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scroll points: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		payload := convertQdrantPayload(point.GetPayload())
		results = append(results, SearchResult{
			ID:      pointIDString(point.GetId()),
			Content: PayloadString(payload, "content"),
			Payload: payload,
		})
	}

	next := ""
	if npo := resp.GetNextPageOffset(); npo != nil {
		next = pointIDString(npo)
	}
	return results, next, nil
}

// DeletePoints removes points by ID.
func (p *QdrantProvider) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}

	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// DeleteByFilter removes all points matching the payload filters.
func (p *QdrantProvider) DeleteByFilter(ctx context.Context, collection string, filters map[string]any) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildQdrantFilter(filters),
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

// Close closes the Qdrant client.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

// buildQdrantFilter converts a filter map to a Qdrant must-filter.
func buildQdrantFilter(filters map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filters))

	for key, value := range filters {
		switch v := value.(type) {
		case string:
			conditions = append(conditions, qdrant.NewMatchKeyword(key, v))
		case int:
			conditions = append(conditions, qdrant.NewMatchInt(key, int64(v)))
		case int64:
			conditions = append(conditions, qdrant.NewMatchInt(key, v))
		case bool:
			conditions = append(conditions, qdrant.NewMatchBool(key, v))
		default:
			conditions = append(conditions, qdrant.NewMatchKeyword(key, fmt.Sprint(v)))
		}
	}

	return &qdrant.Filter{Must: conditions}
}

// convertQdrantPayload flattens a Qdrant payload into plain Go values.
func convertQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = qdrantValueToAny(value)
	}
	return out
}

func qdrantValueToAny(value *qdrant.Value) any {
	switch v := value.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValueToAny(item)
		}
		return list
	case *qdrant.Value_StructValue:
		if v.StructValue == nil {
			return nil
		}
		m := make(map[string]any, len(v.StructValue.Fields))
		for k, item := range v.StructValue.Fields {
			m[k] = qdrantValueToAny(item)
		}
		return m
	default:
		return nil
	}
}

func pointIDString(id *qdrant.PointId) string {
	switch idType := id.GetPointIdOptions().(type) {
	case *qdrant.PointId_Uuid:
		return idType.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", idType.Num)
	default:
		return ""
	}
}

// Ensure QdrantProvider implements Provider.
var _ Provider = (*QdrantProvider)(nil)
