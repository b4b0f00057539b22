// Package vector stores agent embeddings in weaviate.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"
)

const DefaultClass = "AgentEmbedding"

// idNamespace scopes deterministic object ids so a retried upsert
// overwrites rather than duplicates.
var idNamespace = uuid.MustParse("6f1c3c1e-8f55-4b7a-9a55-2f0d7f0e4a11")

var ErrPartialBatch = errors.New("weaviate batch partially failed")

// ImportFunc writes objects and returns one message per rejected object.
type ImportFunc func(ctx context.Context, objects []*models.Object) (failures []string, err error)

// DeleteFunc removes all objects of class whose agent_id equals agentID.
type DeleteFunc func(ctx context.Context, class, agentID string) (matched int64, err error)

type Index struct {
	class    string
	importFn ImportFunc
	deleteFn DeleteFunc
}

type Config struct {
	Host   string
	Scheme string
	APIKey string
	Class  string
}

// NewClient builds a weaviate client from cfg.
func NewClient(cfg Config) (*weaviate.Client, error) {
	wc := weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme}
	if cfg.APIKey != "" {
		wc.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return client, nil
}

// NewIndex binds an Index to a live client.
func NewIndex(client *weaviate.Client, class string) *Index {
	return NewIndexWithFuncs(class, clientImport(client), clientDelete(client))
}

func NewIndexWithFuncs(class string, importFn ImportFunc, deleteFn DeleteFunc) *Index {
	if class == "" {
		class = DefaultClass
	}
	return &Index{class: class, importFn: importFn, deleteFn: deleteFn}
}

func (ix *Index) Class() string { return ix.class }

// ObjectID is the stable id of the ordinal-th embedding of agentID.
func ObjectID(agentID int64, ordinal int) strfmt.UUID {
	name := strconv.FormatInt(agentID, 10) + "/" + strconv.Itoa(ordinal)
	return strfmt.UUID(uuid.NewSHA1(idNamespace, []byte(name)).String())
}

// UpsertResult describes one accepted batch.
type UpsertResult struct {
	OperationID string
	Count       int
}

// Upsert writes every embedding of an agent in one batch. A batch with any
// rejected object fails as a whole.
func (ix *Index) Upsert(ctx context.Context, organizationID, agentID int64, embeddings [][]float32) (*UpsertResult, error) {
	if len(embeddings) == 0 {
		return nil, errors.New("no embeddings to upsert")
	}

	agent := strconv.FormatInt(agentID, 10)
	now := time.Now().UnixMilli()
	objects := make([]*models.Object, len(embeddings))
	for i, vec := range embeddings {
		objects[i] = &models.Object{
			Class:  ix.class,
			ID:     ObjectID(agentID, i),
			Vector: models.C11yVector(vec),
			Properties: map[string]interface{}{
				"agent_id":        agent,
				"organization_id": strconv.FormatInt(organizationID, 10),
				"ordinal":         i,
				"indexed_at":      now,
			},
		}
	}

	failures, err := ix.importFn(ctx, objects)
	if err != nil {
		return nil, fmt.Errorf("weaviate import %s: %w", ix.class, err)
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %d of %d objects: %s", ErrPartialBatch, len(failures), len(objects), strings.Join(failures, "; "))
	}
	return &UpsertResult{OperationID: uuid.NewString(), Count: len(objects)}, nil
}

// DeleteByAgent removes every embedding tagged with agentID. Deleting an
// agent with no vectors succeeds.
func (ix *Index) DeleteByAgent(ctx context.Context, agentID int64) (int64, error) {
	matched, err := ix.deleteFn(ctx, ix.class, strconv.FormatInt(agentID, 10))
	if err != nil {
		return 0, fmt.Errorf("weaviate delete agent %d: %w", agentID, err)
	}
	return matched, nil
}

func clientImport(client *weaviate.Client) ImportFunc {
	return func(ctx context.Context, objects []*models.Object) ([]string, error) {
		resp, err := client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return nil, err
		}
		var failures []string
		for _, obj := range resp {
			if obj.Result == nil || obj.Result.Errors == nil {
				continue
			}
			for _, e := range obj.Result.Errors.Error {
				if e != nil {
					failures = append(failures, fmt.Sprintf("%s: %s", obj.ID, e.Message))
				}
			}
		}
		return failures, nil
	}
}

func clientDelete(client *weaviate.Client) DeleteFunc {
	return func(ctx context.Context, class, agentID string) (int64, error) {
		where := filters.Where().
			WithPath([]string{"agent_id"}).
			WithOperator(filters.Equal).
			WithValueText(agentID)

		resp, err := client.Batch().ObjectsBatchDeleter().
			WithClassName(class).
			WithWhere(where).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return 0, err
		}
		if resp == nil || resp.Results == nil {
			return 0, nil
		}
		if resp.Results.Failed > 0 {
			return resp.Results.Matches, fmt.Errorf("%d of %d objects not deleted", resp.Results.Failed, resp.Results.Matches)
		}
		return resp.Results.Matches, nil
	}
}

// Schema is the class definition for agent embeddings; vectors are supplied
// by the caller.
func Schema(class string) *models.Class {
	filterable := true
	return &models.Class{
		Class:      class,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "agent_id", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "organization_id", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "ordinal", DataType: []string{"int"}},
			{Name: "indexed_at", DataType: []string{"int"}},
		},
	}
}

// EnsureSchema creates the class when it does not exist yet.
func EnsureSchema(ctx context.Context, client *weaviate.Client, class string) error {
	if _, err := client.Schema().ClassGetter().WithClassName(class).Do(ctx); err == nil {
		return nil
	}
	if err := client.Schema().ClassCreator().WithClass(Schema(class)).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", class, err)
	}
	return nil
}
